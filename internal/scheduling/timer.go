package scheduling

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// TimerBackend runs in-process definitions on a ticker. Ticks of one
// definition never overlap: the interval restarts when a run finishes, so a
// slow run delays the next one rather than triggering a catch-up run. Nothing
// survives a restart; the persisted state each run reads is the source of
// truth.
type TimerBackend struct {
	log zerolog.Logger
}

func NewTimerBackend(log zerolog.Logger) *TimerBackend {
	return &TimerBackend{log: log}
}

func (b *TimerBackend) ScheduleRepeating(ctx context.Context, def Definition, run RunFunc) (Handle, error) {
	if def.Durable() {
		return nil, fmt.Errorf("definition %s is durable", def.Name)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("definition %s: run func is required", def.Name)
	}

	runCtx, cancel := context.WithCancel(ctx)
	t := &timer{
		def:    def,
		run:    run,
		log:    b.log.With().Str("job", def.Name.String()).Logger(),
		cancel: cancel,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go t.loop(runCtx)
	t.log.Info().Dur("every", def.Every).Msg("timer started")
	return t, nil
}

type timer struct {
	def    Definition
	run    RunFunc
	log    zerolog.Logger
	cancel context.CancelFunc

	stop chan struct{}
	done chan struct{}
}

func (t *timer) loop(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.def.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.tick(ctx)
			ticker.Reset(t.def.Every)
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

func (t *timer) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			t.log.Error().Str("panic", fmt.Sprint(r)).Str("stack", string(debug.Stack())).Msg("timer tick panicked")
		}
	}()
	if err := t.run(ctx); err != nil {
		t.log.Error().Err(err).Dur("took", time.Since(start)).Msg("timer tick failed")
		return
	}
	t.log.Debug().Dur("took", time.Since(start)).Msg("timer tick finished")
}

// Stop prevents further ticks and waits for the in-flight one. If ctx ends
// first the in-flight run is cancelled.
func (t *timer) Stop(ctx context.Context) error {
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
	select {
	case <-t.done:
		t.cancel()
		t.log.Info().Msg("timer stopped")
		return nil
	case <-ctx.Done():
		t.cancel()
		<-t.done
		return ctx.Err()
	}
}
