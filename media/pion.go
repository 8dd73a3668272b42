package media

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/meonardo/videoroom-rtc/internal/errors"
	"github.com/meonardo/videoroom-rtc/internal/log"
	"github.com/meonardo/videoroom-rtc/signaling"
)

// Config selects the ICE servers used for candidate gathering.
type Config struct {
	STUNServers []string `mapstructure:"stun_servers"`
}

// NewPionFactory returns a Factory backed by pion.
func NewPionFactory(config Config, logger *log.Logger) Factory {
	return &pionFactory{
		config: config,
		logger: logger.Module("media"),
	}
}

type pionFactory struct {
	config Config
	logger *log.Logger
}

func (f *pionFactory) NewEngine(role Role) (Engine, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: f.config.STUNServers},
		},
	})
	if err != nil {
		return nil, errors.Wrap(ErrNegotiation, err, "new peer connection")
	}

	e := &pionEngine{
		role:         role,
		pc:           pc,
		logger:       f.logger.Module(role.String()),
		audioEnabled: true,
		videoEnabled: true,
	}

	if role == RolePublisher {
		if err := e.addLocalTracks(); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		e.mtx.Lock()
		fn := e.onCandidate
		e.mtx.Unlock()
		if fn != nil {
			fn(toSignalingCandidate(cand.ToJSON()))
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.logger.Info("Peer state", log.String("state", state.String()))
		e.mtx.Lock()
		fn := e.onStateChange
		e.mtx.Unlock()
		if fn != nil {
			fn(toPeerState(state))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.logger.Info("Remote track",
			log.String("kind", track.Kind().String()),
			log.String("track_id", track.ID()),
			log.String("stream_id", track.StreamID()))
	})

	return e, nil
}

type pionEngine struct {
	role   Role
	pc     *webrtc.PeerConnection
	logger *log.Logger

	mtx           sync.Mutex
	onCandidate   func(c signaling.Candidate)
	onStateChange func(state PeerState)
	capturer      *Capturer
	audioEnabled  bool
	videoEnabled  bool
	remoteSet     bool
	// candidates arriving before the remote description are buffered,
	// pion rejects them otherwise
	earlyCandidates []webrtc.ICECandidateInit
	closed          bool
	destroyOnce     sync.Once
}

func (e *pionEngine) addLocalTracks() error {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "videoroom")
	if err != nil {
		return errors.Wrap(ErrNegotiation, err, "new audio track")
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "videoroom")
	if err != nil {
		return errors.Wrap(ErrNegotiation, err, "new video track")
	}

	if _, err := e.pc.AddTrack(audio); err != nil {
		return errors.Wrap(ErrNegotiation, err, "add audio track")
	}
	if _, err := e.pc.AddTrack(video); err != nil {
		return errors.Wrap(ErrNegotiation, err, "add video track")
	}

	e.capturer = newCapturer(e, audio, video)
	return nil
}

func (e *pionEngine) CreateOffer(ctx context.Context) (string, error) {
	if err := e.checkOpen(); err != nil {
		return "", err
	}

	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return "", errors.Wrap(ErrNegotiation, err, "create offer")
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return "", errors.Wrap(ErrNegotiation, err, "set local offer")
	}
	// candidates trickle separately, no need to wait for gathering
	return offer.SDP, nil
}

func (e *pionEngine) CreateAnswer(ctx context.Context) (string, error) {
	if err := e.checkOpen(); err != nil {
		return "", err
	}

	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return "", errors.Wrap(ErrNegotiation, err, "create answer")
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return "", errors.Wrap(ErrNegotiation, err, "set local answer")
	}
	return answer.SDP, nil
}

func (e *pionEngine) SetRemoteDescription(jsep signaling.JSEP) error {
	if err := e.checkOpen(); err != nil {
		return err
	}

	desc := webrtc.SessionDescription{SDP: jsep.SDP}
	switch jsep.Type {
	case "offer":
		desc.Type = webrtc.SDPTypeOffer
	case "answer":
		desc.Type = webrtc.SDPTypeAnswer
	default:
		return errors.Newf(ErrNegotiation, "unsupported description type %q", jsep.Type)
	}

	if err := e.pc.SetRemoteDescription(desc); err != nil {
		return errors.Wrap(ErrNegotiation, err, "set remote description")
	}

	e.mtx.Lock()
	e.remoteSet = true
	early := e.earlyCandidates
	e.earlyCandidates = nil
	e.mtx.Unlock()

	for _, c := range early {
		if err := e.pc.AddICECandidate(c); err != nil {
			e.logger.Warn("Add buffered candidate failed", log.Error(err))
		}
	}
	return nil
}

func (e *pionEngine) AddRemoteCandidate(c signaling.Candidate) error {
	if err := e.checkOpen(); err != nil {
		return err
	}

	init := toPionCandidate(c)

	e.mtx.Lock()
	if !e.remoteSet {
		e.earlyCandidates = append(e.earlyCandidates, init)
		e.mtx.Unlock()
		return nil
	}
	e.mtx.Unlock()

	if err := e.pc.AddICECandidate(init); err != nil {
		return errors.Wrap(ErrNegotiation, err, "add candidate")
	}
	return nil
}

func (e *pionEngine) OnCandidate(fn func(c signaling.Candidate)) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.onCandidate = fn
}

func (e *pionEngine) OnStateChange(fn func(state PeerState)) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.onStateChange = fn
}

func (e *pionEngine) SetAudioEnabled(enabled bool) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.audioEnabled = enabled
}

func (e *pionEngine) SetVideoEnabled(enabled bool) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.videoEnabled = enabled
}

func (e *pionEngine) Capturer() *Capturer {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.capturer
}

func (e *pionEngine) Destroy() error {
	var err error
	e.destroyOnce.Do(func() {
		e.mtx.Lock()
		e.closed = true
		e.mtx.Unlock()

		e.logger.Debug("Destroying engine")
		err = e.pc.Close()
	})
	return errors.Wrap(ErrNegotiation, err, "close peer connection")
}

func (e *pionEngine) checkOpen() error {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	return nil
}

func (e *pionEngine) audioOn() bool {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.audioEnabled && !e.closed
}

func (e *pionEngine) videoOn() bool {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.videoEnabled && !e.closed
}

func toSignalingCandidate(init webrtc.ICECandidateInit) signaling.Candidate {
	c := signaling.Candidate{Candidate: init.Candidate}
	if init.SDPMid != nil {
		c.SDPMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		c.SDPMLineIndex = *init.SDPMLineIndex
	}
	return c
}

func toPionCandidate(c signaling.Candidate) webrtc.ICECandidateInit {
	mid := c.SDPMid
	mline := c.SDPMLineIndex
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &mline,
	}
}

func toPeerState(state webrtc.PeerConnectionState) PeerState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return PeerNew
	case webrtc.PeerConnectionStateConnecting:
		return PeerConnecting
	case webrtc.PeerConnectionStateConnected:
		return PeerConnected
	case webrtc.PeerConnectionStateDisconnected:
		return PeerDisconnected
	case webrtc.PeerConnectionStateFailed:
		return PeerFailed
	default:
		return PeerClosed
	}
}

// Capturer feeds locally captured media into the publish leg. Samples
// written while the corresponding kind is muted are dropped, so capture
// sources need no mute awareness of their own.
type Capturer struct {
	engine *pionEngine
	audio  *webrtc.TrackLocalStaticSample
	video  *webrtc.TrackLocalStaticSample
}

func newCapturer(engine *pionEngine, audio, video *webrtc.TrackLocalStaticSample) *Capturer {
	return &Capturer{engine: engine, audio: audio, video: video}
}

func (c *Capturer) WriteAudio(sample pionmedia.Sample) error {
	if !c.engine.audioOn() {
		return nil
	}
	return errors.Wrap(ErrNegotiation, c.audio.WriteSample(sample), "write audio sample")
}

func (c *Capturer) WriteVideo(sample pionmedia.Sample) error {
	if !c.engine.videoOn() {
		return nil
	}
	return errors.Wrap(ErrNegotiation, c.video.WriteSample(sample), "write video sample")
}
