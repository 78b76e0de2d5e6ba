package runner

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Hooks run around the serving phase. A non-nil error from OnStart aborts Run.
type Hooks struct {
	OnStart func(ctx context.Context) error
	OnStop  func()
}

// Drainer finishes in-flight work before shutdown.
type Drainer interface {
	Drain() error
}

type DrainerFunc func() error

func (f DrainerFunc) Drain() error { return f() }

const EngineVersion = "dev"

// BannerOutput is where PrintBanner writes; tests point it elsewhere.
var BannerOutput io.Writer = os.Stdout

func PrintBanner() {
	tpl := "{{ .Title \"LIVETAG\" \"\" 0 }}\nVersion: " + EngineVersion + "\n"
	banner.Init(BannerOutput, true, false, bytes.NewBufferString(tpl))
}
