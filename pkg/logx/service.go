package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Chat    ChatConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// ChatConfig forwards log lines at or above MinLevel to a chat Sender.
type ChatConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// Sender delivers a rendered log line to an operator channel.
type Sender interface {
	Send(ctx context.Context, message string) error
}

const defaultLogFile = "./planbot.log"

// Service owns the log outputs and swaps them on Apply. Loggers taken from
// it before a swap keep working and pick up the new outputs.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	file *os.File
	chat *chatSink // nil without a Sender

	root atomic.Pointer[zerolog.Logger]
}

// New builds the service, applies cfg and returns its root Logger. sender
// may be nil, which disables chat forwarding.
func New(cfg Config, sender Sender) (*Service, Logger) {
	setGlobals()
	s := &Service{}
	if sender != nil {
		s.chat = newChatSink(sender)
	}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// ChatDropped counts chat lines lost to rate limiting or a full queue.
func (s *Service) ChatDropped() uint64 {
	if s.chat == nil {
		return 0
	}
	return s.chat.dropped.Load()
}

// Apply rebuilds the outputs from cfg. Safe for concurrent use with logging.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	var outs []io.Writer
	if cfg.Console {
		outs = append(outs, consoleWriter(Stderr()))
	}

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(Stderr(), "logx: open %s: %v\n", path, err)
		} else {
			s.file = f
			outs = append(outs, zerolog.SyncWriter(f))
		}
	}

	if s.chat != nil {
		s.chat.configure(cfg.Chat)
		if cfg.Chat.Enabled {
			s.chat.start()
			outs = append(outs, s.chat)
		}
	}

	// Never go silent: with every output off, fall back to the console.
	if len(outs) == 0 {
		outs = append(outs, consoleWriter(Stderr()))
	}
	zl := zerolog.New(zerolog.MultiLevelWriter(outs...)).
		Level(ParseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// Close stops chat forwarding and closes the log file.
func (s *Service) Close() error {
	if s.chat != nil {
		s.chat.stop()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}
