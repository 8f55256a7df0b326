// Package pion implements the negotiation-engine port on pion/webrtc. Media
// capture feeding the local tracks is the embedding application's concern;
// this adapter owns the peer connection and the offer/answer/candidate flow.
package pion

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/parleyhq/parley/internal/core/domain"
	"github.com/parleyhq/parley/internal/core/port"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Engine struct {
	api *webrtc.API
}

func NewEngine() (*Engine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	return &Engine{api: webrtc.NewAPI(webrtc.WithMediaEngine(m))}, nil
}

var _ port.MediaEngine = (*Engine)(nil)

// NewSession builds a peer connection with the operator-supplied ICE servers
// and local tracks for the requested kinds.
func (e *Engine) NewSession(ctx context.Context, cfg port.MediaConfig) (port.MediaSession, error) {
	var servers []webrtc.ICEServer
	for _, u := range cfg.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}

	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	s := &mediaSession{pc: pc}

	if cfg.Audio {
		if err := s.addLocalTrack(webrtc.MimeTypeOpus, "audio"); err != nil {
			pc.Close()
			return nil, err
		}
	}
	if cfg.Video {
		if err := s.addLocalTrack(webrtc.MimeTypeVP8, "video"); err != nil {
			pc.Close()
			return nil, err
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		candidateJSON, err := json.Marshal(c.ToJSON())
		if err != nil {
			log.Error().Err(err).Msg("Failed to marshal candidate")
			return
		}
		if fn := s.localCandidateFn(); fn != nil {
			fn(string(candidateJSON))
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Debug().Str("kind", remote.Kind().String()).Msg("Received remote track")
		if fn := s.remoteTrackFn(); fn != nil {
			fn(&remoteTrack{track: remote})
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed {
			s.failedOnce.Do(func() {
				if fn := s.connectionFailedFn(); fn != nil {
					fn()
				}
			})
		}
	})

	return s, nil
}

type mediaSession struct {
	pc *webrtc.PeerConnection

	mu          sync.Mutex
	onCandidate func(string)
	onTrack     func(port.RemoteTrack)
	onFailed    func()

	failedOnce  sync.Once
	localTracks []*webrtc.TrackLocalStaticRTP
}

var _ port.MediaSession = (*mediaSession)(nil)

func (s *mediaSession) addLocalTrack(mimeType, kind string) error {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: mimeType}, kind, "parley")
	if err != nil {
		return fmt.Errorf("new %s track: %w", kind, err)
	}
	if _, err := s.pc.AddTrack(track); err != nil {
		return fmt.Errorf("add %s track: %w", kind, err)
	}
	s.localTracks = append(s.localTracks, track)
	return nil
}

// LocalTracks exposes the outbound tracks so a capture pipeline can write
// RTP into them.
func (s *mediaSession) LocalTracks() []*webrtc.TrackLocalStaticRTP {
	return s.localTracks
}

func (s *mediaSession) CreateOffer(ctx context.Context) (string, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	// Trickle ICE: candidates flow through OnICECandidate, no gather wait.
	return offer.SDP, nil
}

func (s *mediaSession) CreateAnswer(ctx context.Context, offer string) (string, error) {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, nil
}

func (s *mediaSession) SetRemoteDescription(answer string) error {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (s *mediaSession) AddRemoteCandidate(c domain.Candidate) error {
	if s.pc.RemoteDescription() == nil {
		return fmt.Errorf("candidate before remote description: %w", domain.ErrInvalidState)
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(c.Data), &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	if err := s.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (s *mediaSession) OnLocalCandidate(fn func(string)) {
	s.mu.Lock()
	s.onCandidate = fn
	s.mu.Unlock()
}

func (s *mediaSession) OnRemoteTrack(fn func(port.RemoteTrack)) {
	s.mu.Lock()
	s.onTrack = fn
	s.mu.Unlock()
}

func (s *mediaSession) OnConnectionFailed(fn func()) {
	s.mu.Lock()
	s.onFailed = fn
	s.mu.Unlock()
}

func (s *mediaSession) localCandidateFn() func(string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onCandidate
}

func (s *mediaSession) remoteTrackFn() func(port.RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onTrack
}

func (s *mediaSession) connectionFailedFn() func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onFailed
}

func (s *mediaSession) Close() error {
	return s.pc.Close()
}

type remoteTrack struct {
	track *webrtc.TrackRemote
}

func (t *remoteTrack) Kind() string { return t.track.Kind().String() }
func (t *remoteTrack) ID() string   { return t.track.ID() }

// Track returns the underlying pion track for the media sink.
func (t *remoteTrack) Track() *webrtc.TrackRemote { return t.track }
