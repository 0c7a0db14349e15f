// Package scheduler decides when each profile's certificate is renewed
// and bounds how many issuances run at once.
package scheduler

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/renewd/renewd/internal/config"
	"github.com/renewd/renewd/internal/retry"
)

// Issuer runs one full issuance for a profile, including its retry policy
// and hooks.
type Issuer interface {
	IssueAndNotify(ctx context.Context, profile *config.Profile) error
}

type Scheduler struct {
	settings *config.Settings
	issuer   Issuer
	sem      *semaphore.Weighted

	// now is swappable for tests.
	now func() time.Time
}

func New(settings *config.Settings, issuer Issuer) *Scheduler {
	limit := int64(settings.Scheduler.MaxConcurrentIssuances)
	if limit <= 0 {
		limit = 1
	}
	return &Scheduler{
		settings: settings,
		issuer:   issuer,
		sem:      semaphore.NewWeighted(limit),
		now:      time.Now,
	}
}

// RunOnce issues every profile exactly once, bounded by the concurrency
// limit. Profiles do not cancel each other; the first error is returned
// after all of them have finished.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var g errgroup.Group
	for i := range s.settings.Profiles {
		profile := &s.settings.Profiles[i]
		g.Go(func() error {
			return s.issueGated(ctx, profile)
		})
	}
	return g.Wait()
}

func (s *Scheduler) issueGated(ctx context.Context, profile *config.Profile) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)
	return s.issuer.IssueAndNotify(ctx, profile)
}

// RunDaemon runs one renewal loop per profile until the context is
// cancelled. Each loop checks immediately on startup, then sleeps a
// jittered check interval between checks. Cancelling stops admitting new
// cycles; issuances already in flight finish first.
func (s *Scheduler) RunDaemon(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := range s.settings.Profiles {
		profile := &s.settings.Profiles[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.profileLoop(ctx, profile)
		}()
	}
	wg.Wait()
	return nil
}

func (s *Scheduler) profileLoop(ctx context.Context, profile *config.Profile) {
	logger := log.WithField("profile", profile.ServiceName)

	sched := s.settings.ProfileScheduler(profile)
	checkInterval, err := config.ParseDurationSetting(sched.CheckInterval, "scheduler.check_interval")
	if err != nil {
		logger.WithError(err).Error("Invalid check interval, profile loop not started")
		return
	}
	renewBefore, err := config.ParseDurationSetting(sched.RenewBefore, "scheduler.renew_before")
	if err != nil {
		logger.WithError(err).Error("Invalid renew window, profile loop not started")
		return
	}
	jitter, err := config.ParseDurationSetting(sched.CheckJitter, "scheduler.check_jitter")
	if err != nil {
		logger.WithError(err).Error("Invalid check jitter, profile loop not started")
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		due, reason := s.shouldRenew(profile, renewBefore)
		if due {
			logger.WithField("reason", reason).Info("Certificate due for renewal")
			// The stop signal only gates new cycles; an issuance that has
			// started runs to completion so a shutdown mid-protocol cannot
			// leave half-written state behind.
			if err := s.issueGated(context.Background(), profile); err != nil {
				logger.WithError(err).Error("Renewal failed, will retry next cycle")
			} else {
				logger.Info("Renewal complete")
			}
		} else {
			logger.Debug("Certificate not due yet")
		}

		if err := retry.Sleep(ctx, retry.JitteredDelay(checkInterval, jitter)); err != nil {
			return
		}
	}
}

// shouldRenew reports whether the profile's certificate needs renewing and
// why. A missing or unreadable certificate always counts as due.
func (s *Scheduler) shouldRenew(profile *config.Profile, renewBefore time.Duration) (bool, string) {
	notAfter, err := CertNotAfter(profile.Paths.Cert)
	if err != nil {
		if os.IsNotExist(err) {
			return true, "no certificate on disk"
		}
		return true, "certificate unreadable: " + err.Error()
	}

	remaining := notAfter.Sub(s.now())
	if remaining < renewBefore {
		return true, "expires in " + remaining.Truncate(time.Second).String()
	}
	return false, ""
}

// CertNotAfter reads the expiry of the first certificate in a PEM file.
func CertNotAfter(path string) (time.Time, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, err
	}

	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "CERTIFICATE" {
		return time.Time{}, errors.New("no certificate PEM block found")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, err
	}
	return cert.NotAfter, nil
}
