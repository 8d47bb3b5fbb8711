package log

import (
	"fmt"
	stdlog "log"
	"os"

	"github.com/pkg/errors"
)

// Handler is used to handle log events, outputting them to stdio
// or to a file. It is left up to Handlers to implement thread-safety.
type Handler interface {
	Log(lv Level, msg string)
	Close() error
}

// Handlers .
type Handlers []Handler

// Log handlers logging.
func (hs Handlers) Log(lv Level, msg string) {
	for _, h := range hs {
		h.Log(lv, msg)
	}
}

// Close close resource.
func (hs Handlers) Close() (err error) {
	for _, h := range hs {
		if e := h.Close(); e != nil {
			err = errors.WithStack(e)
		}
	}
	return
}

type stdoutHandler struct {
	out *stdlog.Logger
}

// NewStdHandler create a stdout log handler.
func NewStdHandler() Handler {
	return &stdoutHandler{out: stdlog.New(os.Stdout, "", stdlog.LstdFlags|stdlog.Lshortfile)}
}

func (s *stdoutHandler) Log(lv Level, msg string) {
	_ = s.out.Output(6, fmt.Sprintf("[%s] %s", lv, msg))
}

func (s *stdoutHandler) Close() (err error) {
	return
}

type fileHandler struct {
	out *stdlog.Logger
	f   *os.File
}

// NewFileHandler create a file log handler with the given path.
func NewFileHandler(path string) Handler {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		panic(err)
	}
	return &fileHandler{out: stdlog.New(f, "", stdlog.LstdFlags|stdlog.Lshortfile), f: f}
}

func (r *fileHandler) Log(lv Level, msg string) {
	_ = r.out.Output(6, fmt.Sprintf("[%s] %s", lv, msg))
}

func (r *fileHandler) Close() error {
	return r.f.Close()
}
