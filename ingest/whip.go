package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/thesyncim/uvcout"
)

const (
	whipMaxOfferSize = 64 << 10
	pliInterval      = 2 * time.Second
)

// WHIPSource accepts a WebRTC publisher over WHIP (an SDP offer POSTed to
// Path) and forwards its H.264 video track. A new session replaces the
// previous one.
type WHIPSource struct {
	Addr string // HTTP listen address, e.g. ":8080"
	Path string // endpoint path, default "/whip"
	// ICEServers are passed to the peer connection, e.g. "stun:stun.l.google.com:19302".
	ICEServers []string
	Logger     zerolog.Logger
}

type whipSession struct {
	id string
	pc *webrtc.PeerConnection
}

type whipServer struct {
	src    *WHIPSource
	ctx    context.Context
	log    zerolog.Logger
	api    *webrtc.API
	frames chan uvcout.FrameBuffer

	mu       sync.Mutex
	sessions map[string]*whipSession
	active   string
}

// Run serves WHIP until ctx is cancelled.
func (s *WHIPSource) Run(ctx context.Context, emit func(uvcout.FrameBuffer)) error {
	path := s.Path
	if path == "" {
		path = "/whip"
	}
	log := s.Logger.With().Str("component", "whip_source").Str("addr", s.Addr).Logger()

	ws, err := newWHIPServer(ctx, s, log)
	if err != nil {
		return err
	}
	defer ws.closeAll()

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Addr, err)
	}
	srv := &http.Server{Handler: ws.handler(path), ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	log.Info().Str("endpoint", "http://"+ln.Addr().String()+path).Msg("waiting for WHIP publisher")

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			srv.Shutdown(shutdownCtx)
			cancel()
			return ctx.Err()
		case err := <-serveErr:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("whip serve: %w", err)
		case f := <-ws.frames:
			emit(f)
		}
	}
}

// newWHIPAPI builds a WebRTC API that only negotiates H.264
// packetization-mode 1.
func newWHIPAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	for i, profile := range []string{"42e01f", "42001f", "640032"} {
		err := m.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeH264,
				ClockRate:   90000,
				SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=" + profile,
			},
			PayloadType: webrtc.PayloadType(102 + i),
		}, webrtc.RTPCodecTypeVideo)
		if err != nil {
			return nil, fmt.Errorf("register H.264: %w", err)
		}
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m)), nil
}

func newWHIPServer(ctx context.Context, src *WHIPSource, log zerolog.Logger) (*whipServer, error) {
	api, err := newWHIPAPI()
	if err != nil {
		return nil, err
	}
	return &whipServer{
		src:      src,
		ctx:      ctx,
		log:      log,
		api:      api,
		frames:   make(chan uvcout.FrameBuffer, 60),
		sessions: make(map[string]*whipSession),
	}, nil
}

func (ws *whipServer) handler(path string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+path, ws.handleOffer)
	mux.HandleFunc("DELETE "+path+"/{id}", ws.handleDelete)
	return mux
}

func (ws *whipServer) handleOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := io.ReadAll(io.LimitReader(r.Body, whipMaxOfferSize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sess, answer, err := ws.accept(string(offer))
	if err != nil {
		ws.log.Warn().Err(err).Msg("rejecting WHIP offer")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/sdp")
	w.Header().Set("Location", r.URL.Path+"/"+sess.id)
	w.WriteHeader(http.StatusCreated)
	io.WriteString(w, answer)
}

func (ws *whipServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !ws.closeSession(r.PathValue("id")) {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// accept negotiates a receive-only session for offer and makes it the
// forwarded one.
func (ws *whipServer) accept(offer string) (*whipSession, string, error) {
	var cfg webrtc.Configuration
	if len(ws.src.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: ws.src.ICEServers}}
	}
	pc, err := ws.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, "", err
	}

	sess := &whipSession{id: uuid.NewString(), pc: pc}
	log := ws.log.With().Str("session", sess.id).Logger()

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, "", err
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().Str("codec", track.Codec().MimeType).Uint32("ssrc", uint32(track.SSRC())).Msg("track started")
		go ws.requestKeyframes(pc, track)
		ws.readTrack(sess.id, track, log)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info().Stringer("state", state).Msg("connection state")
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			ws.closeSession(sess.id)
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		pc.Close()
		return nil, "", err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, "", err
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, "", err
	}
	<-gathered

	ws.mu.Lock()
	prev := ws.sessions[ws.active]
	ws.sessions[sess.id] = sess
	ws.active = sess.id
	ws.mu.Unlock()
	if prev != nil {
		log.Info().Str("previous", prev.id).Msg("replacing previous publisher")
		ws.closeSession(prev.id)
	}

	return sess, pc.LocalDescription().SDP, nil
}

// readTrack depacketizes the track until it ends.
func (ws *whipServer) readTrack(id string, track *webrtc.TrackRemote, log zerolog.Logger) {
	if track.Kind() != webrtc.RTPCodecTypeVideo {
		return
	}
	d := NewH264Depacketizer()
	var (
		base     uint32
		haveBase bool
	)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Msg("track read ended")
			}
			return
		}
		au, key, err := d.Depacketize(pkt)
		if err != nil {
			log.Debug().Err(err).Msg("bad packet")
			continue
		}
		if au == nil || !ws.isActive(id) {
			continue
		}

		if !haveBase {
			base, haveBase = pkt.Timestamp, true
		}
		var flags uint32
		if key {
			flags = FlagKeyframe
		}
		select {
		case ws.frames <- uvcout.FrameBuffer{Data: au, TimestampUs: int64(pkt.Timestamp-base) * 1000 / 90, Flags: flags}:
		case <-ws.ctx.Done():
			return
		}
	}
}

// requestKeyframes sends periodic PLIs so decoding can start mid-stream and
// recover from loss.
func (ws *whipServer) requestKeyframes(pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
		if err != nil {
			return
		}
		select {
		case <-ws.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (ws *whipServer) isActive(id string) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.active == id
}

func (ws *whipServer) closeSession(id string) bool {
	ws.mu.Lock()
	sess, ok := ws.sessions[id]
	delete(ws.sessions, id)
	if ws.active == id {
		ws.active = ""
	}
	ws.mu.Unlock()

	if !ok {
		return false
	}
	sess.pc.Close()
	return true
}

func (ws *whipServer) closeAll() {
	ws.mu.Lock()
	ids := make([]string, 0, len(ws.sessions))
	for id := range ws.sessions {
		ids = append(ids, id)
	}
	ws.mu.Unlock()
	for _, id := range ids {
		ws.closeSession(id)
	}
}
