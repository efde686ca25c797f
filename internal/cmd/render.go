package cmd

import (
	"fmt"
	"io"
	"sync"

	"github.com/inercia/fundchat/internal/chat"
	"github.com/inercia/fundchat/internal/conversation"
)

// renderer prints controller state changes as a streamed transcript.
// Its methods are chat.Callbacks and may run on connection goroutines.
type renderer struct {
	out io.Writer

	mu        sync.Mutex
	streaming bool
	printed   int // bytes of the open turn's response already written
	baseTurns int // stored turns when the open turn started
	busy      bool
	lastTurn  *conversation.Turn

	idle chan struct{}
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out, idle: make(chan struct{}, 1)}
}

func (r *renderer) onState(s chat.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t := s.OpenTurn; t != nil {
		if !r.streaming {
			r.streaming = true
			r.printed = 0
			r.baseTurns = len(s.Active.Messages)
			fmt.Fprintln(r.out)
		}
		if len(t.Response) > r.printed {
			colorAnswer.Fprint(r.out, t.Response[r.printed:])
			r.printed = len(t.Response)
		}
	} else if r.streaming {
		r.streaming = false
		fmt.Fprintln(r.out)
		if msgs := s.Active.Messages; len(msgs) > r.baseTurns {
			last := msgs[len(msgs)-1].Clone()
			r.lastTurn = &last
			if n := len(last.Sources); n > 0 {
				colorDim.Fprintf(r.out, "(%d sources, /sources to show them)\n", n)
			}
		}
		fmt.Fprintln(r.out)
	}

	busy := s.Busy()
	if r.busy && !busy {
		select {
		case r.idle <- struct{}{}:
		default:
		}
	}
	r.busy = busy
}

func (r *renderer) onError(e *chat.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.streaming {
		fmt.Fprintln(r.out)
	}
	if e.Kind == chat.KindProtocolDecode {
		colorWarn.Fprintf(r.out, "⚠️  %s\n", e.Message)
		return
	}
	colorError.Fprintf(r.out, "❌ %s\n", e.Message)
}

func (r *renderer) onAuthFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	colorWarn.Fprintln(r.out, "🔑 The backend rejected the token. Use /token <value> or run 'fundchat login'.")
}

// drainIdle discards a completion signal left over from an earlier submission.
func (r *renderer) drainIdle() {
	select {
	case <-r.idle:
	default:
	}
}

// last returns the most recently completed turn, or nil.
func (r *renderer) last() *conversation.Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastTurn
}
