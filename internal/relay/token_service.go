package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/CzarSimon/httputil/id"
	"github.com/CzarSimon/httputil/jwt"
	"github.com/CzarSimon/httputil/logger"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/rtcheap/dto"
	"github.com/rtcheap/service-clients/go/serviceregistry"
	"github.com/rtcheap/service-clients/go/turnserver"
	"github.com/rtcheap/session-manager/internal/models"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("session-manager/relay")

// Application name turn servers register under.
const turnServerApplication = "turn-server"

// MediaRole role carried by media tokens.
const MediaRole = "USER"

const defaultTokenTTL = 2 * time.Hour

// TokenService assigns sessions to the least loaded turn server and issues media tokens bound to it.
type TokenService struct {
	TurnRPCProtocol string
	RelayPort       int
	TokenTTL        time.Duration
	Issuer          jwt.Issuer
	RegistryClient  serviceregistry.Client
	TurnClient      turnserver.Client
}

// Issue issues a media token for the requester. Sessions without a relay assignment are
// assigned to a turn server and a new media session first.
func (s *TokenService) Issue(ctx context.Context, session models.VideoSession, requester models.Requester) (models.MediaGrant, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "relay.TokenService.Issue")
	defer span.Finish()

	relayServer := session.RelayServer
	if relayServer == "" {
		var err error
		relayServer, err = s.assignTurnServer(ctx)
		if err != nil {
			span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
			return models.MediaGrant{}, err
		}
	}

	mediaSessionID := session.MediaSessionID
	if mediaSessionID == "" {
		mediaSessionID = id.New()
	}

	ttl := s.ttl()
	token, err := s.Issuer.Issue(jwt.User{
		ID:    fmt.Sprintf("%s/%s", mediaSessionID, requester.UserID),
		Roles: []string{MediaRole},
	}, ttl)
	if err != nil {
		err = fmt.Errorf("%w: failed to sign media token: %v", models.ErrUpstream, err)
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return models.MediaGrant{}, err
	}

	span.LogFields(tracelog.Bool("success", true), tracelog.String("relayServer", relayServer))
	return models.MediaGrant{
		Token:          token,
		MediaSessionID: mediaSessionID,
		RelayServer:    relayServer,
		ExpiresAt:      time.Now().UTC().Add(ttl),
		TURN: models.TurnCandidate{
			URL:      "turn:" + relayServer,
			Username: requester.UserID,
		},
		STUN: models.StunCandidate{
			URL: "stun:" + relayServer,
		},
	}, nil
}

func (s *TokenService) assignTurnServer(ctx context.Context) (string, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "relay.TokenService.assignTurnServer")
	defer span.Finish()

	services, err := s.RegistryClient.FindByApplication(ctx, turnServerApplication, true)
	if err != nil {
		err = fmt.Errorf("%w: failed to list turn servers: %v", models.ErrUpstream, err)
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return "", err
	}

	best, err := s.leastLoadedRelay(ctx, services)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return "", err
	}

	span.LogFields(tracelog.Bool("success", true))
	return fmt.Sprintf("%s:%d", best.Location, s.RelayPort), nil
}

// relayLoad load reported by a turn server, err is set when it did not answer.
type relayLoad struct {
	relay  dto.Service
	active uint64
	err    error
}

// leastLoadedRelay polls every turn server for its session statistics and picks the one relaying
// the fewest sessions. Relays that do not answer are skipped, ties go to the first listed relay.
func (s *TokenService) leastLoadedRelay(ctx context.Context, relays []dto.Service) (dto.Service, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "relay.TokenService.leastLoadedRelay")
	defer span.Finish()

	loads := make([]relayLoad, len(relays))
	var wg sync.WaitGroup
	for i, relay := range relays {
		wg.Add(1)
		go func(i int, relay dto.Service) {
			defer wg.Done()
			stats, err := s.TurnClient.GetStatistics(ctx, s.statisticsURL(relay))
			loads[i] = relayLoad{relay: relay, active: stats.InProgress(), err: err}
		}(i, relay)
	}
	wg.Wait()

	var chosen *relayLoad
	silent := 0
	for i := range loads {
		load := &loads[i]
		if load.err != nil {
			silent++
			log.Warn("turn server did not report its load",
				zap.String("relay", load.relay.Location),
				zap.Int("port", load.relay.Port),
				zap.Error(load.err))
			continue
		}
		if chosen == nil || load.active < chosen.active {
			chosen = load
		}
	}

	if chosen == nil {
		err := fmt.Errorf("%w: none of %d turn servers reported their load", models.ErrUpstream, len(relays))
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return dto.Service{}, err
	}

	span.LogFields(
		tracelog.Bool("success", true),
		tracelog.String("relay", chosen.relay.Location),
		tracelog.Uint64("activeSessions", chosen.active),
		tracelog.Int("silentRelays", silent),
	)
	return chosen.relay, nil
}

func (s *TokenService) statisticsURL(relay dto.Service) string {
	return fmt.Sprintf("%s://%s:%d", s.TurnRPCProtocol, relay.Location, relay.Port)
}

func (s *TokenService) ttl() time.Duration {
	if s.TokenTTL <= 0 {
		return defaultTokenTTL
	}
	return s.TokenTTL
}
