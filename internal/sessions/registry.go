package sessions

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/codepod/internal/config"
	"github.com/danmuck/codepod/internal/container"
	"github.com/danmuck/codepod/internal/kernel"
	"github.com/danmuck/codepod/internal/observability"
	"github.com/danmuck/codepod/internal/protocol/wire"
	"github.com/rs/zerolog"
)

var (
	ErrAlreadySpawning = errors.New("sessions: kernel already spawning")
	ErrSessionKilled   = errors.New("sessions: session killed during spawn")
	ErrUnknownLanguage = errors.New("sessions: unknown language")
)

// Supervisor is the container surface the registry drives.
type Supervisor interface {
	EnsureRunning(ctx context.Context, spec container.Spec, network string) (string, bool, error)
	Remove(ctx context.Context, name string) error
}

// Observer supplies the receiver for each new link's broadcast stream.
type Observer interface {
	ReceiverFor(sessionID, lang string) kernel.Receiver
}

type Config struct {
	Catalog config.Catalog
	// Network overrides the catalog network when set.
	Network string
	// KernelKeySecret derives per-session signing keys. Empty disables signing.
	KernelKeySecret string
	Link            kernel.Config
	LinkOptions     []kernel.Option
	Backoff         BackoffConfig
	SpawnWait       time.Duration
}

func DefaultConfig() Config {
	return Config{
		Catalog:   config.DefaultCatalog(),
		Backoff:   DefaultBackoff(),
		SpawnWait: 30 * time.Second,
	}
}

// Registry maps (session, language) to kernels.
type Registry struct {
	cfg     Config
	network string
	sup     Supervisor
	obs     Observer
	log     zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewRegistry(cfg Config, sup Supervisor, obs Observer) *Registry {
	if len(cfg.Catalog.Languages) == 0 {
		cfg.Catalog = config.DefaultCatalog()
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.SpawnWait <= 0 {
		cfg.SpawnWait = DefaultConfig().SpawnWait
	}
	network := strings.TrimSpace(cfg.Network)
	if network == "" {
		network = cfg.Catalog.Network
	}
	if network == "" {
		network = config.DefaultNetwork
	}
	return &Registry{
		cfg:      cfg,
		network:  network,
		sup:      sup,
		obs:      obs,
		log:      observability.Component("sessions"),
		sessions: make(map[string]*session),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *Registry) Catalog() config.Catalog {
	return r.cfg.Catalog
}

// SessionKey derives the per-session HMAC key. An empty secret yields an
// empty key, which disables signing for that session's kernels.
func SessionKey(secret, sessionID string) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(sessionID))
	return hex.EncodeToString(mac.Sum(nil))
}

func (r *Registry) language(lang string) (config.LanguageConfig, error) {
	l, ok := r.cfg.Catalog.Language(lang)
	if !ok {
		return config.LanguageConfig{}, fmt.Errorf("%w: %q", ErrUnknownLanguage, lang)
	}
	return l, nil
}

// Ensure returns the ready kernel for (sessionID, lang), spawning it when the
// slot is absent or failed. A concurrent spawn in flight yields
// ErrAlreadySpawning; callers retry rather than treat it as failure.
func (r *Registry) Ensure(ctx context.Context, sessionID, lang string) (*KernelHandle, error) {
	if err := container.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	langCfg, err := r.language(lang)
	if err != nil {
		return nil, err
	}
	log := r.log.With().Str("session", sessionID).Str("lang", langCfg.Name).Logger()

	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		sess = &session{id: sessionID, created: time.Now(), kernels: make(map[string]*slot)}
		r.sessions[sessionID] = sess
	}
	if cur := sess.kernels[langCfg.Name]; cur != nil {
		switch cur.state {
		case SlotSpawning:
			r.mu.Unlock()
			return nil, ErrAlreadySpawning
		case SlotReady:
			if !cur.handle.Link.Closed() {
				r.mu.Unlock()
				return cur.handle, nil
			}
			log.Info().Msg("sessions.Ensure respawning closed link")
		case SlotFailed:
			log.Info().AnErr("previous", cur.err).Msg("sessions.Ensure retrying failed spawn")
		}
	}
	pending := spawningSlot()
	sess.kernels[langCfg.Name] = pending
	r.mu.Unlock()

	start := time.Now()
	handle, names, spawnErr := r.spawn(ctx, sessionID, langCfg)

	r.mu.Lock()
	current := r.sessions[sessionID] == sess && sess.kernels[langCfg.Name] == pending
	if current {
		if spawnErr != nil {
			sess.kernels[langCfg.Name] = failedSlot(spawnErr)
		} else {
			sess.kernels[langCfg.Name] = readySlot(handle)
		}
	}
	r.mu.Unlock()

	if !current {
		observability.RecordKernelSpawn(langCfg.Name, "killed", time.Since(start))
		// Kill may have removed the containers before spawn created them,
		// so remove them again whether or not the spawn got as far as a link.
		for _, w := range r.teardown(context.WithoutCancel(ctx), langCfg.Name, handle, names) {
			log.Warn().Err(w).Msg("sessions.Ensure teardown after kill")
		}
		return nil, ErrSessionKilled
	}
	if spawnErr != nil {
		observability.RecordKernelSpawn(langCfg.Name, "failed", time.Since(start))
		log.Warn().Err(spawnErr).Msg("sessions.Ensure spawn failed")
		return nil, spawnErr
	}
	observability.RecordKernelSpawn(langCfg.Name, "ready", time.Since(start))
	log.Info().Str("address", handle.Address).Dur("took", time.Since(start)).Msg("sessions.Ensure kernel ready")
	return handle, nil
}

// spawn starts lang's containers and connects a link. names lists every
// container spawn asked for, including on failure.
func (r *Registry) spawn(ctx context.Context, sessionID string, lang config.LanguageConfig) (h *KernelHandle, names []string, err error) {
	key := SessionKey(r.cfg.KernelKeySecret, sessionID)
	kspec, err := lang.KernelContainer(sessionID, r.cfg.Catalog.DefaultLanguage, key)
	if err != nil {
		return nil, nil, err
	}
	names = append(names, kspec.Name)
	addr, _, err := r.sup.EnsureRunning(ctx, kspec, r.network)
	if err != nil {
		return nil, names, err
	}
	var runtimeAddr string
	if rspec, ok := lang.RuntimeContainer(sessionID); ok {
		names = append(names, rspec.Name)
		runtimeAddr, _, err = r.sup.EnsureRunning(ctx, rspec, r.network)
		if err != nil {
			return nil, names, err
		}
	}

	spec := lang.ConnectionSpec(addr, key)
	if err := spec.Validate(); err != nil {
		return nil, names, err
	}
	link := kernel.NewLink(spec, r.cfg.Link, r.cfg.LinkOptions...)
	// Listen before Connect so no broadcast emitted for the first request is missed.
	if err := link.Listen(context.Background(), r.receiverFor(sessionID, lang.Name)); err != nil {
		_ = link.Close()
		return nil, names, err
	}
	if err := link.Connect(ctx); err != nil {
		_ = link.Close()
		return nil, names, err
	}
	return &KernelHandle{
		SessionID:      sessionID,
		Language:       lang.Name,
		Container:      kspec.Name,
		Address:        addr,
		RuntimeAddress: runtimeAddr,
		Spec:           spec,
		Link:           link,
		ReadyAt:        time.Now(),
	}, names, nil
}

func (r *Registry) receiverFor(sessionID, lang string) kernel.Receiver {
	if r.obs != nil {
		if recv := r.obs.ReceiverFor(sessionID, lang); recv != nil {
			return recv
		}
	}
	log := r.log.With().Str("session", sessionID).Str("lang", lang).Logger()
	return kernel.ReceiverFunc(func(_ string, msg wire.Message) {
		log.Debug().Str("msg_type", string(msg.Header.MsgType)).Msg("sessions broadcast without observer")
	})
}

// teardown closes h's link, if any, and removes names.
func (r *Registry) teardown(ctx context.Context, lang string, h *KernelHandle, names []string) []error {
	var warnings []error
	if h != nil {
		if err := h.Link.Close(); err != nil {
			warnings = append(warnings, fmt.Errorf("close %s link: %w", lang, err))
		}
	}
	for _, name := range names {
		if err := r.sup.Remove(ctx, name); err != nil {
			warnings = append(warnings, fmt.Errorf("remove %s: %w", name, err))
		}
	}
	return warnings
}

// EnsureWait retries Ensure while another caller's spawn is in flight, up to
// the configured spawn wait.
func (r *Registry) EnsureWait(ctx context.Context, sessionID, lang string) (*KernelHandle, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.SpawnWait)
	defer cancel()
	for attempt := 1; ; attempt++ {
		h, err := r.Ensure(ctx, sessionID, lang)
		if !errors.Is(err, ErrAlreadySpawning) {
			return h, err
		}
		r.rngMu.Lock()
		delay := NextBackoffDelay(r.cfg.Backoff, attempt, r.rng)
		r.rngMu.Unlock()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %w", ErrAlreadySpawning, ctx.Err())
		case <-timer.C:
		}
	}
}

// Handle returns the ready kernel for (sessionID, lang) without spawning.
func (r *Registry) Handle(sessionID, lang string) (*KernelHandle, bool) {
	langCfg, err := r.language(lang)
	if err != nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	cur := sess.kernels[langCfg.Name]
	if cur == nil || cur.state != SlotReady {
		return nil, false
	}
	return cur.handle, true
}

// Kill drops the session entry, then closes its links and removes every
// container the session could own. Failures are reported, never returned.
func (r *Registry) Kill(ctx context.Context, sessionID string) KillReport {
	r.mu.Lock()
	sess, known := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	var handles []*KernelHandle
	if known {
		for _, sl := range sess.kernels {
			if sl.state == SlotReady {
				handles = append(handles, sl.handle)
			}
		}
	}
	r.mu.Unlock()

	report := KillReport{SessionID: sessionID, Known: known}
	log := r.log.With().Str("session", sessionID).Logger()
	for _, h := range handles {
		if err := h.Link.Close(); err != nil {
			report.Warnings = append(report.Warnings, fmt.Errorf("close %s link: %w", h.Language, err))
			continue
		}
		report.Closed = append(report.Closed, h.Language)
	}
	sort.Strings(report.Closed)

	if container.ValidateSessionID(sessionID) == nil {
		for _, name := range r.containerNames(sessionID) {
			if err := r.sup.Remove(ctx, name); err != nil {
				report.Warnings = append(report.Warnings, fmt.Errorf("remove %s: %w", name, err))
				continue
			}
			report.Removed = append(report.Removed, name)
		}
	}
	if len(report.Warnings) > 0 {
		log.Warn().Err(errors.Join(report.Warnings...)).Msg("sessions.Kill finished with warnings")
	} else {
		log.Info().Bool("known", known).Msg("sessions.Kill finished")
	}
	return report
}

func (r *Registry) containerNames(sessionID string) []string {
	names := make([]string, 0, len(r.cfg.Catalog.Languages)+1)
	for _, lang := range r.cfg.Catalog.Names() {
		names = append(names, container.KernelContainerName(sessionID, lang, r.cfg.Catalog.DefaultLanguage))
	}
	return append(names, container.RuntimeContainerName(sessionID))
}

// KillAll kills every known session.
func (r *Registry) KillAll(ctx context.Context) []KillReport {
	ids := r.ListSessionsForUser("")
	reports := make([]KillReport, 0, len(ids))
	for _, id := range ids {
		reports = append(reports, r.Kill(ctx, id))
	}
	return reports
}

// ListSessionsForUser returns known session ids starting with prefix, sorted.
func (r *Registry) ListSessionsForUser(prefix string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Snapshot reports every session and slot.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, sess := range r.sessions {
		info := SessionInfo{ID: sess.id, Created: sess.created}
		for lang, sl := range sess.kernels {
			ki := KernelInfo{Language: lang, State: sl.state.String(), Since: sl.since}
			if sl.handle != nil {
				ki.Address = sl.handle.Address
			}
			if sl.err != nil {
				ki.Error = sl.err.Error()
			}
			info.Kernels = append(info.Kernels, ki)
		}
		sort.Slice(info.Kernels, func(i, j int) bool {
			return info.Kernels[i].Language < info.Kernels[j].Language
		})
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}
