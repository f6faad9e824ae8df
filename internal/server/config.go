package server

import (
	"net/http"
	"time"
)

// Config defines fields used for parsing from environment variables
type Config struct {
	Host       string `env:"HOST" envDefault:"0.0.0.0"`
	Port       uint16 `env:"PORT" envDefault:"9000"`
	SessionKey string `env:"SESSION_KEY,required"`
}

// Option alters the http.Server built during NewServer
type Option interface {
	apply(*http.Server)
}

type optionFunc func(s *http.Server)

func (f optionFunc) apply(s *http.Server) { f(s) }

// ReadTimeout sets read timeout for http.Server
func ReadTimeout(d time.Duration) Option {
	return optionFunc(func(s *http.Server) {
		s.ReadTimeout = d
	})
}

// IdleTimeout sets idle timeout for http.Server
func IdleTimeout(d time.Duration) Option {
	return optionFunc(func(s *http.Server) {
		s.IdleTimeout = d
	})
}
