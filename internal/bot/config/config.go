package config

type Config struct {
	Token         string
	UpdateTimeout int
}
