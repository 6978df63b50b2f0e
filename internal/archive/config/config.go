package config

type Config struct {
	S3Bucket string
	S3Prefix string
}
