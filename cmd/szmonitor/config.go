package main

import (
	"flag"
	"time"
)

// Config holds monitor runtime configuration.
type Config struct {
	Addr       string
	Retry      time.Duration
	Raw        bool
	RedisAddr  string
	Topic      string
	PublishKey string
	Payload    string
	Debug      bool
}

var cfg Config

// init registers all monitor flags into the default flag set.
func init() {
	flag.StringVar(&cfg.Addr, "addr", "127.0.0.1:9010", "bridge external address to watch")
	flag.DurationVar(&cfg.Retry, "retry", 2*time.Second, "delay before reconnecting")
	flag.BoolVar(&cfg.Raw, "raw", false, "also print each frame as hex")
	flag.StringVar(&cfg.RedisAddr, "redis", "127.0.0.1:6379", "Redis address used with -publish")
	flag.StringVar(&cfg.Topic, "topic", "szbus.telemetry", "stream to publish into")
	flag.StringVar(&cfg.PublishKey, "publish", "", "publish one event with this key (e.g. ArriveStop) and exit")
	flag.StringVar(&cfg.Payload, "payload", "", "JSON payload for -publish")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
}
