package responder

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/renewd/renewd/internal/challenge"
)

const DefaultMaxClockSkewSecs = 300

type ServerConfig struct {
	HMACSecret       string
	MaxClockSkewSecs int64

	// now is swappable for tests.
	Now func() time.Time
}

type server struct {
	store *BoltStore
	conf  ServerConfig
}

// NewServer builds the responder's echo application. The well-known path
// is public; the admin API requires a valid timestamped signature.
func NewServer(store *BoltStore, conf ServerConfig) *echo.Echo {
	if conf.MaxClockSkewSecs == 0 {
		conf.MaxClockSkewSecs = DefaultMaxClockSkewSecs
	}
	if conf.Now == nil {
		conf.Now = time.Now
	}
	s := &server{store: store, conf: conf}

	app := echo.New()
	app.HideBanner = true
	app.HidePort = true

	app.Use(makeLoggerMiddleware())
	app.Use(middleware.Recover())

	app.GET("/.well-known/acme-challenge/:token", s.handleWellKnown)

	app.POST(challenge.AdminPublishPath, s.handlePublish)
	app.DELETE(challenge.AdminPublishPath+"/:token", s.handleRetract)

	return app
}

func (s *server) handleWellKnown(c echo.Context) error {
	keyAuthorization, err := s.store.Lookup(c.Param("token"))
	if err != nil {
		if IsErrNotFound(err) {
			return c.String(http.StatusNotFound, "Not Found")
		}
		return err
	}
	return c.String(http.StatusOK, keyAuthorization)
}

// checkTimestamp rejects requests whose timestamp falls outside the
// allowed skew window, bounding the replay lifetime of a captured
// signature.
func (s *server) checkTimestamp(c echo.Context) (int64, bool) {
	raw := c.Request().Header.Get(challenge.HeaderTimestamp)
	timestamp, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}

	skew := s.conf.Now().Unix() - timestamp
	if skew < 0 {
		skew = -skew
	}
	return timestamp, skew <= s.conf.MaxClockSkewSecs
}

func (s *server) handlePublish(c echo.Context) error {
	var request challenge.PublishRequest
	if err := c.Bind(&request); err != nil {
		return c.String(http.StatusBadRequest, "malformed body")
	}
	if request.Token == "" || request.KeyAuthorization == "" || request.TTLSecs == 0 {
		return c.String(http.StatusBadRequest, "token, key_authorization and ttl_secs are required")
	}

	timestamp, ok := s.checkTimestamp(c)
	if !ok {
		return c.String(http.StatusUnauthorized, "stale or missing timestamp")
	}

	expected := challenge.SignPublish(s.conf.HMACSecret, timestamp, request.Token, request.KeyAuthorization, request.TTLSecs)
	if !challenge.VerifySignature(expected, c.Request().Header.Get(challenge.HeaderSignature)) {
		return c.String(http.StatusUnauthorized, "bad signature")
	}

	if err := s.store.Put(request.Token, request.KeyAuthorization, request.TTLSecs); err != nil {
		return err
	}

	log.WithField("token", request.Token).WithField("ttl_secs", request.TTLSecs).Info("Published challenge token")
	return c.JSON(http.StatusOK, map[string]string{"status": "published"})
}

func (s *server) handleRetract(c echo.Context) error {
	token := c.Param("token")

	timestamp, ok := s.checkTimestamp(c)
	if !ok {
		return c.String(http.StatusUnauthorized, "stale or missing timestamp")
	}

	expected := challenge.SignRetract(s.conf.HMACSecret, timestamp, token)
	if !challenge.VerifySignature(expected, c.Request().Header.Get(challenge.HeaderSignature)) {
		return c.String(http.StatusUnauthorized, "bad signature")
	}

	// Retraction is idempotent, deleting an unknown token is fine.
	if err := s.store.Delete(token); err != nil {
		return err
	}

	log.WithField("token", token).Info("Retracted challenge token")
	return c.JSON(http.StatusOK, map[string]string{"status": "retracted"})
}

// SweepLoop periodically drops expired tokens until stop is closed.
func SweepLoop(store *BoltStore, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			removed, err := store.Sweep()
			if err != nil {
				log.WithError(err).Error("Token sweep failed")
				continue
			}
			if removed > 0 {
				log.WithField("removed", removed).Info("Swept expired challenge tokens")
			}
		}
	}
}
