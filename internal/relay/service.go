// Package relay forwards detections to a situational-awareness network as
// CoT events over TLS, TCP, UDP or multicast.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"mesh_mapper/internal/cot"
	"mesh_mapper/internal/detection"
	"mesh_mapper/internal/logging"
	"mesh_mapper/internal/metrics"
)

// ErrQueueFull is returned by Publish when the outbound queue is full.
var ErrQueueFull = errors.New("relay: queue full")

// Config describes the relay endpoint.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Mode    string `yaml:"mode"` // tls, tcp, udp, multicast
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`

	Interface string `yaml:"interface"`
	TTL       int    `yaml:"ttl"`

	BundlePath     string `yaml:"bundle_path"`
	BundlePassword string `yaml:"bundle_password"`
	SkipVerify     bool   `yaml:"skip_verify"`

	DialTimeout     time.Duration `yaml:"dial_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	QueueSize       int           `yaml:"queue_size"`
}

// DefaultConfig returns a disabled TLS relay on the usual CoT port.
func DefaultConfig() Config {
	return Config{
		Mode:            "tls",
		Port:            8089,
		TTL:             1,
		DialTimeout:     defaultDialTimeout,
		WriteTimeout:    defaultWriteTimeout,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		QueueSize:       256,
	}
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// NewTransport builds the transport for cfg. TLS mode decodes the identity
// bundle here so it is loaded once.
func NewTransport(cfg Config) (Transport, error) {
	if cfg.Host == "" {
		return nil, &ConfigError{Field: "host", Err: errors.New("relay host is required")}
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, &ConfigError{Field: "port", Err: fmt.Errorf("invalid port %d", cfg.Port)}
	}

	switch strings.ToLower(cfg.Mode) {
	case "tls", "":
		id, err := LoadIdentityFile(cfg.BundlePath, cfg.BundlePassword)
		if err != nil {
			return nil, err
		}
		return &TLSTransport{
			Addr:         cfg.Addr(),
			Config:       id.TLSConfig(cfg.Host, cfg.SkipVerify),
			DialTimeout:  cfg.DialTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}, nil
	case "tcp":
		return &TCPTransport{Addr: cfg.Addr(), DialTimeout: cfg.DialTimeout, WriteTimeout: cfg.WriteTimeout}, nil
	case "udp":
		return &UDPTransport{Addr: cfg.Addr()}, nil
	case "multicast":
		return &MulticastTransport{Group: cfg.Addr(), Interface: cfg.Interface, TTL: cfg.TTL}, nil
	default:
		return nil, &ConfigError{Field: "mode", Err: fmt.Errorf("unknown relay mode %q", cfg.Mode)}
	}
}

// Sender delivers one encoded event.
type Sender interface {
	Send(ctx context.Context, payload []byte) error
}

// Callsigns resolves the display name of an aircraft.
type Callsigns interface {
	Get(aircraftID string) (string, bool)
}

// Service renders store updates as CoT events and hands them to the sender
// through a bounded queue, so a slow or dead relay never stalls ingestion.
type Service struct {
	sender     Sender
	callsigns  Callsigns
	staleAfter time.Duration
	now        func() time.Time
	queue      chan detection.Record
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithCallsigns sets the alias source used for contact callsigns.
func WithCallsigns(c Callsigns) ServiceOption {
	return func(s *Service) { s.callsigns = c }
}

// WithServiceClock overrides the event clock.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates a relay service. A nil sender gives a disabled service
// whose Publish is a no-op.
func NewService(sender Sender, staleAfter time.Duration, queueSize int, logger *slog.Logger, m *metrics.Metrics, opts ...ServiceOption) *Service {
	if queueSize <= 0 {
		queueSize = DefaultConfig().QueueSize
	}
	s := &Service{
		sender:     sender,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logging.OrDiscard(logger).With("component", "relay"),
		metrics:    m,
	}
	if sender != nil {
		s.queue = make(chan detection.Record, queueSize)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enabled reports whether events are forwarded.
func (s *Service) Enabled() bool {
	return s.sender != nil
}

// Publish queues rec for delivery. Records without a usable drone position
// are skipped.
func (s *Service) Publish(_ context.Context, rec detection.Record) error {
	if s.sender == nil || !rec.HasFix() {
		return nil
	}
	select {
	case s.queue <- rec.Clone():
		return nil
	default:
		s.metrics.EventDropped()
		return ErrQueueFull
	}
}

// Run delivers queued records until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	if s.sender == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-s.queue:
			if err := s.Deliver(ctx, rec); err != nil {
				s.logger.Debug("deliver cot events", "aircraft_id", rec.AircraftID, "error", err)
			}
		}
	}
}

// Deliver renders and sends the drone event of rec, then its pilot event
// when the pilot position is valid. A failure on one does not stop the
// other.
func (s *Service) Deliver(ctx context.Context, rec detection.Record) error {
	if s.sender == nil {
		return nil
	}
	now := s.now()
	callsign := ""
	if s.callsigns != nil {
		callsign, _ = s.callsigns.Get(rec.AircraftID)
	}

	drone, ok := cot.NewDroneEvent(rec, now, s.staleAfter, callsign)
	if !ok {
		return nil
	}
	errs := []error{s.send(ctx, drone)}
	if pilot, ok := cot.NewPilotEvent(rec, now, s.staleAfter, callsign); ok {
		errs = append(errs, s.send(ctx, pilot))
	}
	return errors.Join(errs...)
}

func (s *Service) send(ctx context.Context, ev cot.Event) error {
	payload, err := ev.Marshal()
	if err != nil {
		return err
	}
	return s.sender.Send(ctx, payload)
}
