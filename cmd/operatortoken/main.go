package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/jkkn/solutionshub-batch/internal/auth"
)

// Выпускает токен оператора для ручного запуска: Authorization: Bearer <token>.
func main() {
	_ = godotenv.Load()

	operator := flag.String("operator", "", "operator id recorded as the run trigger")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	token, err := auth.NewOperatorToken(os.Getenv("CRON_SECRET"), *operator, *ttl)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(token)
}
