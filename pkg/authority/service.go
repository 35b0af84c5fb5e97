package authority

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/werkstattwaedi/machine-auth-sub005/pkg/dna"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/localtime"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/nfc"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/wire"
)

// pendingAuthTTL bounds how long a started tag handshake may stay
// uncompleted before the authority forgets it.
const pendingAuthTTL = time.Minute

// pendingAuth is a started but not yet completed tag handshake.
type pendingAuth struct {
	uid      nfc.TagUid
	tagKey   []byte
	rndA     []byte
	rndB     []byte
	deadline time.Time
}

// Config carries the authority's settings.
type Config struct {
	// MasterSecret is the 16-byte secret all tag keys are diversified
	// from.
	MasterSecret []byte

	// SystemName salts the key diversification, set once per
	// deployment.
	SystemName string

	// KeyID selects the key slot the terminals authenticate against.
	// Defaults to the authorization key.
	KeyID dna.KeyID
}

// Service answers terminal requests: session issuance with the full
// tag handshake, and usage uploads.
type Service struct {
	store *Store
	cfg   Config
	log   *slog.Logger
	now   func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingAuth
}

// NewService creates the authority service.
func NewService(store *Store, cfg Config, log *slog.Logger) (*Service, error) {
	if len(cfg.MasterSecret) != dna.KeySize {
		return nil, dna.ErrKeySize
	}
	if cfg.SystemName == "" {
		return nil, errors.New("system name must not be empty")
	}
	if cfg.KeyID == (dna.KeyID{}) {
		cfg.KeyID = dna.KeyIDAuthorization
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:   store,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		pending: make(map[string]*pendingAuth),
	}, nil
}

// HandleRequest dispatches one decoded request and returns the response
// to send back. An error means no response; the terminal will time out
// and retry on its own.
func (s *Service) HandleRequest(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var (
		payload any
		err     error
	)
	switch req.Method {
	case wire.MethodStartSession:
		payload, err = s.startSession(ctx, req.Payload)
	case wire.MethodAuthenticateNewSession:
		payload, err = s.authenticateNewSession(ctx, req.Payload)
	case wire.MethodCompleteAuthentication:
		payload, err = s.completeAuthentication(ctx, req.Payload)
	case wire.MethodUploadUsage:
		payload, err = s.uploadUsage(ctx, req.Payload)
	default:
		return nil, fmt.Errorf("unknown method %q", req.Method)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Method, err)
	}
	return wire.NewResponse(req.RequestID, payload)
}

// Tick drops pending handshakes whose deadline passed.
func (s *Service) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, auth := range s.pending {
		if now.After(auth.deadline) {
			s.log.Debug("pending authentication expired", "session_id", id)
			delete(s.pending, id)
		}
	}
}

func (s *Service) startSession(ctx context.Context, payload []byte) (*wire.StartSessionResponse, error) {
	var req wire.StartSessionRequest
	if err := wire.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	uid, err := nfc.ParseTagUid(req.TagUid)
	if err != nil {
		return nil, err
	}

	tag, err := s.store.Tag(ctx, uid)
	if errors.Is(err, ErrTagUnknown) {
		s.log.Info("unknown tag", "tag_uid", uid.String())
		return &wire.StartSessionResponse{
			Result:  wire.StartResultRejected,
			Message: "tag is not registered",
		}, nil
	}
	if err != nil {
		return nil, err
	}
	if tag.Blocked {
		s.log.Info("blocked tag", "tag_uid", uid.String())
		return &wire.StartSessionResponse{
			Result:  wire.StartResultRejected,
			Message: "tag is blocked",
		}, nil
	}

	now := s.now()
	sessionID, expiration, err := s.store.ActiveSession(ctx, uid, now)
	if err != nil {
		return nil, err
	}
	if sessionID != "" {
		return &wire.StartSessionResponse{
			Result:  wire.StartResultExistingSession,
			Session: sessionRecord(tag, sessionID, expiration),
		}, nil
	}

	return &wire.StartSessionResponse{Result: wire.StartResultAuthRequired}, nil
}

func (s *Service) authenticateNewSession(ctx context.Context, payload []byte) (*wire.AuthenticateNewSessionResponse, error) {
	var req wire.AuthenticateNewSessionRequest
	if err := wire.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	uid, err := nfc.ParseTagUid(req.TagUid)
	if err != nil {
		return nil, err
	}
	if len(req.TagChallenge) != nfc.TagChallengeSize {
		return nil, fmt.Errorf("tag challenge must be %d bytes, got %d",
			nfc.TagChallengeSize, len(req.TagChallenge))
	}

	// Only registered, unblocked tags get a handshake.
	tag, err := s.store.Tag(ctx, uid)
	if err != nil {
		return nil, err
	}
	if tag.Blocked {
		return nil, errors.New("tag is blocked")
	}

	tagKey, err := dna.DiversifyKey(s.cfg.MasterSecret, s.cfg.SystemName, uid[:], s.cfg.KeyID)
	if err != nil {
		return nil, err
	}

	rndB, err := dna.CbcDecrypt(tagKey, dna.ZeroIV, req.TagChallenge)
	if err != nil {
		return nil, err
	}
	rndA := make([]byte, 16)
	if _, err := rand.Read(rndA); err != nil {
		return nil, err
	}

	plaintext := make([]byte, 0, nfc.CloudChallengeSize)
	plaintext = append(plaintext, rndA...)
	plaintext = append(plaintext, dna.RotateLeft1(rndB)...)
	cloudChallenge, err := dna.CbcEncrypt(tagKey, dna.ZeroIV, plaintext)
	if err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()
	s.mu.Lock()
	s.pending[sessionID] = &pendingAuth{
		uid:      uid,
		tagKey:   tagKey,
		rndA:     rndA,
		rndB:     rndB,
		deadline: s.now().Add(pendingAuthTTL),
	}
	s.mu.Unlock()

	s.log.Debug("tag handshake started", "tag_uid", uid.String(), "session_id", sessionID)
	return &wire.AuthenticateNewSessionResponse{
		SessionID:      sessionID,
		CloudChallenge: cloudChallenge,
	}, nil
}

func (s *Service) completeAuthentication(ctx context.Context, payload []byte) (*wire.CompleteAuthenticationResponse, error) {
	var req wire.CompleteAuthenticationRequest
	if err := wire.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	if len(req.EncryptedTagResponse) != nfc.TagResponseSize {
		return nil, fmt.Errorf("tag response must be %d bytes, got %d",
			nfc.TagResponseSize, len(req.EncryptedTagResponse))
	}

	s.mu.Lock()
	auth, ok := s.pending[req.SessionID]
	delete(s.pending, req.SessionID)
	s.mu.Unlock()
	if !ok {
		return &wire.CompleteAuthenticationResponse{
			Result:  wire.CompleteResultRejected,
			Message: "unknown or expired authentication",
		}, nil
	}

	plaintext, err := dna.CbcDecrypt(auth.tagKey, dna.ZeroIV, req.EncryptedTagResponse)
	if err != nil {
		return nil, err
	}
	// E(K, TI || RndA' || PDcap2 || PCDcap2); only RndA' proves the tag
	// holds the key.
	rndAPrime := plaintext[4:20]
	if !dna.VerifyRotated(auth.rndA, rndAPrime) {
		s.log.Warn("tag response mismatch", "tag_uid", auth.uid.String())
		return &wire.CompleteAuthenticationResponse{
			Result:  wire.CompleteResultRejected,
			Message: "tag response mismatch",
		}, nil
	}

	// The EV2 session keys are live material even though this exchange
	// ends here; derive and discard them rather than leaving the
	// inputs around.
	keys, err := dna.DeriveSessionKeys(auth.tagKey, auth.rndA, auth.rndB)
	if err != nil {
		return nil, err
	}
	keys.Zero()

	tag, err := s.store.Tag(ctx, auth.uid)
	if err != nil {
		return nil, err
	}

	now := s.now()
	expiration := localtime.SessionExpiry(now)
	if err := s.store.CreateSession(ctx, req.SessionID, auth.uid, expiration, now); err != nil {
		return nil, err
	}

	s.log.Info("session issued",
		"session_id", req.SessionID, "tag_uid", auth.uid.String(),
		"user", tag.UserLabel, "expires", expiration)
	return &wire.CompleteAuthenticationResponse{
		Result:  wire.CompleteResultNewSession,
		Session: sessionRecord(tag, req.SessionID, expiration),
	}, nil
}

func (s *Service) uploadUsage(ctx context.Context, payload []byte) (*wire.UploadUsageResponse, error) {
	var req wire.UploadUsageRequest
	if err := wire.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	if req.MachineID == "" {
		return nil, errors.New("machine id must not be empty")
	}

	accepted, err := s.store.RecordUsages(ctx, req.MachineID, req.Records)
	if err != nil {
		return nil, err
	}
	s.log.Info("usage recorded", "machine_id", req.MachineID, "records", accepted)
	return &wire.UploadUsageResponse{Accepted: accepted}, nil
}

func sessionRecord(tag *TagRecord, sessionID string, expiration time.Time) *wire.TokenSessionRecord {
	return &wire.TokenSessionRecord{
		TagUid:                tag.Uid.Bytes(),
		SessionID:             sessionID,
		ExpirationUnixSeconds: expiration.Unix(),
		UserID:                tag.UserID,
		UserLabel:             tag.UserLabel,
		Permissions:           tag.Permissions,
	}
}
