package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Pulse/internal/domain"
)

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// CaptureFunc acquires local tracks for a call and returns their release
// func.
type CaptureFunc func(ctx context.Context, callType domain.CallType) ([]webrtc.TrackLocal, func(), error)

// PionProvider opens pion peer connections. Without a Capture func it
// attaches sample tracks that the application feeds itself.
type PionProvider struct {
	Config  webrtc.Configuration
	Capture CaptureFunc
}

func (p PionProvider) Open(ctx context.Context, callType domain.CallType) (MediaSession, error) {
	capture := p.Capture
	if capture == nil {
		capture = sampleTracks
	}
	tracks, release, err := capture(ctx, callType)
	if err != nil {
		return nil, err
	}

	pc, err := webrtc.NewPeerConnection(p.Config)
	if err != nil {
		release()
		return nil, err
	}
	s := &pionSession{pc: pc, release: release}
	for _, t := range tracks {
		if _, err := pc.AddTrack(t); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("add track %s: %w", t.ID(), err)
		}
	}

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer_connection_state", st.String()).Msg("Peer state")
		if st == webrtc.PeerConnectionStateFailed || st == webrtc.PeerConnectionStateDisconnected {
			s.mu.Lock()
			fn := s.onFailed
			s.mu.Unlock()
			if fn != nil {
				fn()
			}
		}
	})
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		s.mu.Lock()
		fn := s.onCandidate
		s.mu.Unlock()
		if fn == nil {
			return
		}
		raw, err := json.Marshal(cand.ToJSON())
		if err == nil {
			fn(raw)
		}
	})
	return s, nil
}

func sampleTracks(_ context.Context, callType domain.CallType) ([]webrtc.TrackLocal, func(), error) {
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "pulse")
	if err != nil {
		return nil, nil, err
	}
	tracks := []webrtc.TrackLocal{audio}
	if callType == domain.CallVideo {
		video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "pulse")
		if err != nil {
			return nil, nil, err
		}
		tracks = append(tracks, video)
	}
	return tracks, func() {}, nil
}

type pionSession struct {
	pc      *webrtc.PeerConnection
	release func()

	mu          sync.Mutex
	onCandidate func(json.RawMessage)
	onFailed    func()
	pending     []webrtc.ICECandidateInit // candidates that beat the remote description
	closed      bool
}

func (s *pionSession) CreateOffer() (json.RawMessage, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return json.Marshal(s.pc.LocalDescription())
}

func (s *pionSession) Answer(raw json.RawMessage) (json.RawMessage, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &offer); err != nil {
		return nil, fmt.Errorf("decode offer: %w", err)
	}
	if err := s.setRemote(offer); err != nil {
		return nil, err
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return json.Marshal(s.pc.LocalDescription())
}

func (s *pionSession) ApplyAnswer(raw json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &answer); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	return s.setRemote(answer)
}

func (s *pionSession) setRemote(desc webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			log.Warn().Err(err).Str("module", "webrtc").Msg("add buffered candidate")
		}
	}
	return nil
}

func (s *pionSession) AddCandidate(raw json.RawMessage) error {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	if s.pc.RemoteDescription() == nil {
		s.mu.Lock()
		s.pending = append(s.pending, c)
		s.mu.Unlock()
		return nil
	}
	return s.pc.AddICECandidate(c)
}

func (s *pionSession) OnCandidate(fn func(json.RawMessage)) {
	s.mu.Lock()
	s.onCandidate = fn
	s.mu.Unlock()
}

func (s *pionSession) OnFailed(fn func()) {
	s.mu.Lock()
	s.onFailed = fn
	s.mu.Unlock()
}

func (s *pionSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.onFailed = nil
	s.onCandidate = nil
	s.mu.Unlock()

	s.release()
	if err := s.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Msg("close error")
		return err
	}
	log.Info().Str("module", "webrtc").Msg("closed")
	return nil
}
