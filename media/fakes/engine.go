// Package fakes provides hand-written media fakes for tests.
package fakes

import (
	"context"
	"sync"

	"github.com/meonardo/videoroom-rtc/media"
	"github.com/meonardo/videoroom-rtc/signaling"
)

// Engine is a scriptable media.Engine recording every call.
type Engine struct {
	Role media.Role

	OfferSDP  string
	AnswerSDP string
	OfferErr  error
	AnswerErr error
	RemoteErr error

	mtx          sync.Mutex
	offers       int
	answers      int
	remoteDescs  []signaling.JSEP
	candidates   []signaling.Candidate
	destroys     int
	audioEnabled bool
	videoEnabled bool
	onCandidate  func(c signaling.Candidate)
	onState      func(state media.PeerState)
}

func (e *Engine) CreateOffer(_ context.Context) (string, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if e.OfferErr != nil {
		return "", e.OfferErr
	}
	e.offers++
	return e.OfferSDP, nil
}

func (e *Engine) CreateAnswer(_ context.Context) (string, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if e.AnswerErr != nil {
		return "", e.AnswerErr
	}
	e.answers++
	return e.AnswerSDP, nil
}

func (e *Engine) SetRemoteDescription(jsep signaling.JSEP) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if e.RemoteErr != nil {
		return e.RemoteErr
	}
	e.remoteDescs = append(e.remoteDescs, jsep)
	return nil
}

func (e *Engine) AddRemoteCandidate(c signaling.Candidate) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.candidates = append(e.candidates, c)
	return nil
}

func (e *Engine) OnCandidate(fn func(c signaling.Candidate)) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.onCandidate = fn
}

func (e *Engine) OnStateChange(fn func(state media.PeerState)) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.onState = fn
}

func (e *Engine) SetAudioEnabled(enabled bool) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.audioEnabled = enabled
}

func (e *Engine) SetVideoEnabled(enabled bool) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.videoEnabled = enabled
}

func (e *Engine) Capturer() *media.Capturer {
	return nil
}

func (e *Engine) Destroy() error {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.destroys++
	return nil
}

// EmitCandidate fires the registered candidate callback.
func (e *Engine) EmitCandidate(c signaling.Candidate) {
	e.mtx.Lock()
	fn := e.onCandidate
	e.mtx.Unlock()
	if fn != nil {
		fn(c)
	}
}

// EmitState fires the registered state callback.
func (e *Engine) EmitState(state media.PeerState) {
	e.mtx.Lock()
	fn := e.onState
	e.mtx.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (e *Engine) Offers() int {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.offers
}

func (e *Engine) Answers() int {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.answers
}

func (e *Engine) RemoteDescriptions() []signaling.JSEP {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return append([]signaling.JSEP(nil), e.remoteDescs...)
}

func (e *Engine) Destroys() int {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.destroys
}

// Factory hands out fake engines and keeps them for inspection.
type Factory struct {
	Err error

	mtx     sync.Mutex
	engines []*Engine
}

func (f *Factory) NewEngine(role media.Role) (media.Engine, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	e := &Engine{
		Role:      role,
		OfferSDP:  "v=0 fake-offer",
		AnswerSDP: "v=0 fake-answer",
	}
	f.engines = append(f.engines, e)
	return e, nil
}

func (f *Factory) Engines() []*Engine {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return append([]*Engine(nil), f.engines...)
}
