package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init 按环境初始化全局 zerolog：dev 使用彩色控制台输出并打开 debug，其余环境输出 JSON。
func Init(env string) {
	InitWriter(env, os.Stdout)
}

func InitWriter(env string, out io.Writer) {
	zerolog.TimeFieldFormat = time.RFC3339
	if env == "dev" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		cw := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		log.Logger = zerolog.New(cw).With().Timestamp().Str("service", "chatcore").Logger()
		return
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = zerolog.New(out).With().Timestamp().Str("service", "chatcore").Logger()
}
