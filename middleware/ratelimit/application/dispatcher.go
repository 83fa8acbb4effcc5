package application

import (
	"context"
	"errors"
	"sync"
	"time"

	"guard-gateway/middleware/ratelimit/domain"

	"go.uber.org/zap"
)

// MaxEventAcquireWait é o máximo que Append espera por uma vaga no caminho da request.
const MaxEventAcquireWait = 5 * time.Millisecond

// ErrEventDropped indica que o Dispatcher estava saturado e descartou o evento.
var ErrEventDropped = errors.New("security event dropped: dispatcher saturated")

// Dispatcher entrega eventos de segurança ao Sink fora do caminho da request.
//
// Cada evento ocupa uma vaga do Pool enquanto é gravado. Sem vaga o evento é
// descartado (e contado); a decisão da request nunca espera pelo Sink e, no
// máximo, MaxEventAcquireWait por vaga.
type Dispatcher struct {
	Sink domain.EventSink
	Pool domain.SlotPool

	// AcquireTimeout é a espera por vaga quando o Pool está cheio, limitada a
	// MaxEventAcquireWait. Zero com um TrySlotPool descarta sem esperar.
	AcquireTimeout time.Duration

	// WriteTimeout limita cada Append no Sink (padrão 2s).
	WriteTimeout time.Duration
	Recorder     Recorder
	Logger       *zap.Logger

	wg sync.WaitGroup
}

var _ domain.EventSink = (*Dispatcher)(nil)

// acquire tenta adquirir uma vaga.
// - TrySlotPool: tenta sem esperar; com `AcquireTimeout <= 0` para aí.
// - Senão espera até `AcquireTimeout`, nunca além de MaxEventAcquireWait.
// Retorna (release, ok). Se ok=false, nenhuma vaga foi adquirida.
func (d *Dispatcher) acquire(ctx context.Context) (func(), bool) {
	if d.Pool == nil {
		return func() {}, true
	}

	wait := d.AcquireTimeout
	if tp, ok := d.Pool.(domain.TrySlotPool); ok {
		if release, ok := tp.TryAcquire(); ok {
			return release, true
		}
		if wait <= 0 {
			return nil, false
		}
	}
	if wait <= 0 || wait > MaxEventAcquireWait {
		wait = MaxEventAcquireWait
	}

	acqCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	return d.Pool.Acquire(acqCtx)
}

// Append agenda a gravação. Sem Pool, grava de forma síncrona.
func (d *Dispatcher) Append(ctx context.Context, ev domain.SecurityEvent) error {
	if d.Sink == nil {
		return nil
	}
	if d.Pool == nil {
		return d.write(context.WithoutCancel(ctx), ev)
	}

	release, ok := d.acquire(ctx)
	if !ok {
		if d.Recorder != nil {
			d.Recorder.EventDropped()
		}
		return ErrEventDropped
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer release()
		if err := d.write(context.WithoutCancel(ctx), ev); err != nil {
			d.logger().Debug("security event write failed",
				zap.String("type", string(ev.Type)),
				zap.Error(err),
			)
		}
	}()
	return nil
}

func (d *Dispatcher) write(ctx context.Context, ev domain.SecurityEvent) error {
	timeout := d.WriteTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.Sink.Append(ctx, ev)
}

// Wait bloqueia até as gravações em andamento terminarem (shutdown/testes).
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}
