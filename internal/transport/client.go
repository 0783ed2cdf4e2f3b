package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/SteelMorgan/logtail/internal/domain"
	"github.com/SteelMorgan/logtail/internal/metrics"
	"github.com/SteelMorgan/logtail/internal/retry"
)

const (
	// SendErrorBytes replaces the byte count of a byte-mode transfer that
	// failed while streaming
	SendErrorBytes int64 = -1

	chunkSize = 32 * 1024
)

// proxyStatusRe matches the status line of a CONNECT reply
var proxyStatusRe = regexp.MustCompile(`^HTTP/1\.\d (\d{3})(?: |\r?\n|$)`)

// Kind is the cycle outcome
type Kind int

const (
	// NoData means nothing was committed and nothing failed
	NoData Kind = iota
	// Sent means the collector acknowledged the payload
	Sent
	// Failed means the cycle was aborted; the offset must not move
	Failed
)

func (k Kind) String() string {
	switch k {
	case Sent:
		return "sent"
	case Failed:
		return "failed"
	default:
		return "no_data"
	}
}

// Outcome describes one send cycle
type Outcome struct {
	Kind    Kind
	Bytes   int64 // Bytes consumed from the file, filtered lines included
	Lines   int   // Lines written to the collector
	Skipped int   // Lines dropped by filters
	Capped  bool  // A per-cycle limit was hit; more data is waiting
	Reason  error
}

// Config holds transport configuration shared by all files
type Config struct {
	Proxy          string // host:port of an HTTP CONNECT proxy
	ConnectTimeout time.Duration
	WaitTimeout    time.Duration
	MaxLines       int
	MaxBytes       int64
	Hostname       string // Short host name used for naming and aggregate prefixes
	LogLineMaxSize int
}

// Request is one file's pending range
type Request struct {
	Path     string
	Group    string
	Settings domain.Settings
	File     io.ReaderAt
	Offset   int64 // Committed position
	Size     int64 // End of data observed at cycle start
}

// Available returns the number of bytes past the committed position
func (r Request) Available() int64 {
	if r.Size <= r.Offset {
		return 0
	}
	return r.Size - r.Offset
}

// Client speaks the collector protocol. One Send call is one synchronous
// attempt over a fresh connection.
type Client struct {
	cfg     Config
	backoff *retry.Controller
	metrics *metrics.Metrics
	dialer  net.Dialer
}

// NewClient creates a new collector client
func NewClient(cfg Config, backoff *retry.Controller, m *metrics.Metrics) *Client {
	if cfg.Hostname == "" {
		cfg.Hostname = ShortHostname()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Client{
		cfg:     cfg,
		backoff: backoff,
		metrics: m,
		dialer:  net.Dialer{Timeout: cfg.ConnectTimeout},
	}
}

// Send ships the pending range of req
func (c *Client) Send(ctx context.Context, req Request) (out Outcome) {
	available := req.Available()
	if available <= 0 {
		return Outcome{Kind: NoData}
	}

	limit := available
	if limit > c.cfg.MaxBytes {
		limit = c.cfg.MaxBytes
		out.Capped = true
	}

	transferID := uuid.NewString()
	dest := DestinationFor(req.Path, req.Group, c.cfg.Hostname, req.Settings)
	ctx, span := startSpan(ctx, "transport.Send",
		attribute.String("transfer.id", transferID),
		attribute.String("file", req.Path),
		attribute.String("group", req.Group),
		attribute.Int64("offset", req.Offset),
	)
	defer func() { endSpan(span, out) }()

	logger := log.With().
		Str("transfer_id", transferID).
		Str("file", req.Path).
		Str("group", req.Group).
		Logger()

	start := time.Now()

	sess, fail := c.open(ctx, req)
	if fail != nil {
		fail.Capped = out.Capped
		return *fail
	}
	defer sess.close()

	header := fmt.Sprintf("DATA %s %s %s %s", req.Settings.Key, dest.Group, dest.Dir, dest.Name)
	if req.Settings.Protocol == domain.ProtocolBytes {
		header += " " + strconv.FormatInt(limit, 10)
	}

	logger.Debug().Int64("offset", req.Offset).Str("header", header).Msg("Sending file")

	resp, err := sess.handshake(header, c.cfg.ConnectTimeout, c.cfg.WaitTimeout)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to read handshake reply")
		c.metrics.Failures.WithLabelValues(req.Group, metrics.ReasonReply).Inc()
		return Outcome{Kind: Failed, Capped: out.Capped, Reason: err}
	}
	if resp.Class() != Success {
		logger.Debug().Str("reply", resp.String()).Msg("Collector not ready")
		c.metrics.Failures.WithLabelValues(req.Group, metrics.ReasonNotReady).Inc()
		reason := fmt.Errorf("%w: %s", ErrNotReady, resp)
		if werr := c.backoff.NotReady(ctx); werr != nil {
			reason = errors.Join(reason, werr)
		}
		return Outcome{Kind: Failed, Capped: out.Capped, Reason: reason}
	}
	c.backoff.Ready()

	if req.Settings.Protocol == domain.ProtocolBytes {
		out.Bytes, err = sess.sendBytes(req, limit)
		if err != nil {
			logger.Error().Err(err).Msg("Send error")
			c.metrics.Failures.WithLabelValues(req.Group, metrics.ReasonSend).Inc()
			return Outcome{Kind: Failed, Bytes: SendErrorBytes, Capped: out.Capped, Reason: err}
		}
	} else {
		var capped bool
		out.Bytes, out.Lines, out.Skipped, capped, err = c.sendLines(ctx, sess, req, limit)
		out.Capped = out.Capped || capped
		if err != nil {
			if ctx.Err() != nil {
				logger.Info().Msg("Transfer abandoned on shutdown")
			} else {
				logger.Error().Err(err).Msg("Send line error")
				c.metrics.Failures.WithLabelValues(req.Group, metrics.ReasonSend).Inc()
			}
			return Outcome{Kind: Failed, Lines: out.Lines, Skipped: out.Skipped, Capped: out.Capped, Reason: err}
		}
	}

	if out.Bytes <= 0 {
		out.Kind = NoData
		return out
	}

	if req.Settings.Protocol != domain.ProtocolBytes {
		if err := sess.writeString(".\n"); err != nil {
			c.metrics.Failures.WithLabelValues(req.Group, metrics.ReasonSend).Inc()
			return Outcome{Kind: Failed, Capped: out.Capped, Reason: err}
		}
	}

	resp, err = sess.readReply(c.cfg.WaitTimeout)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to read final reply")
		c.metrics.Failures.WithLabelValues(req.Group, metrics.ReasonReply).Inc()
		return Outcome{Kind: Failed, Capped: out.Capped, Reason: err}
	}
	if resp.Class() != Success {
		logger.Error().Str("reply", resp.String()).Msg("Collector rejected transfer")
		c.metrics.Failures.WithLabelValues(req.Group, metrics.ReasonRejected).Inc()
		return Outcome{Kind: Failed, Capped: out.Capped, Reason: fmt.Errorf("%w: %s", ErrRejected, resp)}
	}

	out.Kind = Sent
	elapsed := time.Since(start)

	c.metrics.Transfers.WithLabelValues(req.Group).Inc()
	c.metrics.BytesSent.WithLabelValues(req.Group).Add(float64(out.Bytes))
	c.metrics.LinesSent.WithLabelValues(req.Group).Add(float64(out.Lines))
	c.metrics.LinesSkipped.WithLabelValues(req.Group).Add(float64(out.Skipped))

	ev := logger.Info().
		Int64("bytes", out.Bytes).
		Str("size", humanize.IBytes(uint64(out.Bytes))).
		Int64("duration_ms", elapsed.Milliseconds())
	if req.Settings.Protocol == domain.ProtocolBytes {
		ev.Msg("Sent bytes")
	} else {
		ev.Int("lines", out.Lines).Int("skipped", out.Skipped).Msg("Sent lines")
	}

	return out
}

// Rotate tells the collector that the file behind req was rotated. No
// data is transferred.
func (c *Client) Rotate(ctx context.Context, req Request) (out Outcome) {
	dest := DestinationFor(req.Path, req.Group, c.cfg.Hostname, req.Settings)
	ctx, span := startSpan(ctx, "transport.Rotate",
		attribute.String("transfer.id", uuid.NewString()),
		attribute.String("file", req.Path),
		attribute.String("group", req.Group),
	)
	defer func() { endSpan(span, out) }()

	sess, fail := c.open(ctx, req)
	if fail != nil {
		return *fail
	}
	defer sess.close()

	line := fmt.Sprintf("ROTATE %s %s %s %s\n", req.Settings.Key, dest.Group, dest.Dir, dest.Name)
	if err := sess.writeString(line); err != nil {
		c.metrics.Failures.WithLabelValues(req.Group, metrics.ReasonRotate).Inc()
		return Outcome{Kind: Failed, Reason: err}
	}

	resp, err := sess.readReply(c.cfg.WaitTimeout)
	if err == nil && resp.Class() != Success {
		err = fmt.Errorf("%w: %s", ErrRejected, resp)
	}
	if err != nil {
		log.Error().Err(err).Str("file", req.Path).Str("name", dest.Name).Msg("Error while rotating file on collector")
		c.metrics.Failures.WithLabelValues(req.Group, metrics.ReasonRotate).Inc()
		return Outcome{Kind: Failed, Reason: err}
	}

	log.Info().Str("file", req.Path).Str("name", dest.Name).Msg("File rotated on collector")
	c.metrics.Rotations.WithLabelValues(req.Group).Inc()
	return Outcome{Kind: NoData}
}

// open connects to the collector, through the proxy when one is set.
// Connection failures wait on the connection backoff before returning.
func (c *Client) open(ctx context.Context, req Request) (*session, *Outcome) {
	addr := req.Settings.Address()
	target := addr
	if c.cfg.Proxy != "" {
		target = c.cfg.Proxy
	}

	reason := metrics.ReasonConnect
	conn, err := c.dialer.DialContext(ctx, "tcp", target)
	if err != nil && ctx.Err() != nil {
		// Shutdown, not a collector problem
		return nil, &Outcome{Kind: Failed, Reason: ctx.Err()}
	}
	if err != nil {
		err = fmt.Errorf("failed to connect to %s: %w", target, err)
	} else {
		sess := newSession(conn, c.cfg.ConnectTimeout)
		if c.cfg.Proxy == "" {
			c.backoff.ConnOK()
			log.Debug().Str("addr", addr).Msg("Connected to collector")
			return sess, nil
		}
		if err = sess.tunnel(addr, c.cfg.ConnectTimeout); err == nil {
			c.backoff.ConnOK()
			log.Debug().Str("addr", addr).Str("proxy", target).Msg("Connected to collector through proxy")
			return sess, nil
		}
		sess.close()
		reason = metrics.ReasonProxy
	}

	log.Error().Err(err).Str("file", req.Path).Msg("Can't connect")
	c.metrics.Failures.WithLabelValues(req.Group, reason).Inc()
	if werr := c.backoff.ConnFailed(ctx); werr != nil {
		err = errors.Join(err, werr)
	}
	return nil, &Outcome{Kind: Failed, Reason: err}
}

// sendLines streams complete lines from the committed offset. It stops at
// MaxLines sent lines, once limit bytes are consumed, or when no complete
// line is left.
func (c *Client) sendLines(ctx context.Context, sess *session, req Request, limit int64) (consumed int64, lines, skipped int, capped bool, err error) {
	section := io.NewSectionReader(req.File, req.Offset, req.Available())
	br := bufio.NewReaderSize(section, chunkSize)
	s := req.Settings

	for {
		if err := ctx.Err(); err != nil {
			return consumed, lines, skipped, capped, err
		}

		line, rerr := br.ReadBytes('\n')
		if rerr != nil {
			// EOF leaves a partial trailing line for the next cycle
			if errors.Is(rerr, io.EOF) {
				break
			}
			return consumed, lines, skipped, capped, fmt.Errorf("failed to read %s: %w", req.Path, rerr)
		}
		consumed += int64(len(line))

		if SkipLine(line, s) {
			skipped++
		} else {
			if s.Aggregate {
				if err := sess.writeString(c.cfg.Hostname + " "); err != nil {
					return consumed, lines, skipped, capped, c.sendError(err, line)
				}
			}
			if !s.Aggregate && IsDotLine(line) {
				if err := sess.writeString("."); err != nil {
					return consumed, lines, skipped, capped, c.sendError(err, line)
				}
			}
			if err := sess.write(line); err != nil {
				return consumed, lines, skipped, capped, c.sendError(err, line)
			}
			lines++
			if lines >= c.cfg.MaxLines {
				capped = true
				break
			}
		}

		if consumed >= limit {
			capped = capped || limit < req.Available()
			break
		}
	}

	if err := sess.flush(); err != nil {
		return consumed, lines, skipped, capped, fmt.Errorf("failed to flush lines: %w", err)
	}
	return consumed, lines, skipped, capped, nil
}

// sendError wraps a write failure and quotes the offending line, truncated
func (c *Client) sendError(err error, line []byte) error {
	quoted := line
	if c.cfg.LogLineMaxSize > 0 && len(quoted) > c.cfg.LogLineMaxSize {
		quoted = quoted[:c.cfg.LogLineMaxSize]
	}
	return fmt.Errorf("failed to send line %q: %w", quoted, err)
}

// SkipLine applies the line filters. A line is dropped when include
// patterns exist and none matches, or when any exclude pattern matches.
func SkipLine(line []byte, s domain.Settings) bool {
	text := strings.TrimSuffix(string(line), "\n")

	skip := false
	if len(s.OnlyLines) > 0 {
		skip = true
		for _, re := range s.OnlyLines {
			if re.MatchString(text) {
				skip = false
				break
			}
		}
	}
	for _, re := range s.SkipLines {
		if re.MatchString(text) {
			return true
		}
	}
	return skip
}

// IsDotLine reports whether line is one or more dots, optionally followed
// by "\r", then "\n"
func IsDotLine(line []byte) bool {
	n := len(line)
	if n < 2 || line[n-1] != '\n' {
		return false
	}
	body := line[:n-1]
	if len(body) > 0 && body[len(body)-1] == '\r' {
		body = body[:len(body)-1]
	}
	if len(body) == 0 {
		return false
	}
	for _, b := range body {
		if b != '.' {
			return false
		}
	}
	return true
}

// session is one connection to the collector
type session struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func newSession(conn net.Conn, writeTimeout time.Duration) *session {
	return &session{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriterSize(&deadlineWriter{conn: conn, timeout: writeTimeout}, chunkSize),
	}
}

func (s *session) close() {
	s.conn.Close()
}

func (s *session) write(p []byte) error {
	_, err := s.w.Write(p)
	return err
}

func (s *session) flush() error {
	return s.w.Flush()
}

// writeString writes and flushes a control line
func (s *session) writeString(line string) error {
	if _, err := s.w.WriteString(line); err != nil {
		return err
	}
	return s.w.Flush()
}

// readReply reads one status line within timeout
func (s *session) readReply(timeout time.Duration) (Response, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Response{}, fmt.Errorf("failed to set read deadline: %w", err)
	}
	line, err := s.r.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return Response{}, fmt.Errorf("failed to read reply: %w", err)
	}
	// A peer that hangs up without a status line answered with an empty reply
	return ParseResponse(line), nil
}

// handshake sends header and waits out 3xx replies
func (s *session) handshake(header string, timeout, waitTimeout time.Duration) (Response, error) {
	if err := s.writeString(header + "\n"); err != nil {
		return Response{}, fmt.Errorf("failed to send header: %w", err)
	}
	resp, err := s.readReply(timeout)
	for err == nil && resp.Class() == Retry {
		log.Debug().Str("reply", resp.String()).Msg("Waiting for collector")
		resp, err = s.readReply(waitTimeout)
	}
	return resp, err
}

// tunnel asks the proxy to open a tunnel to addr
func (s *session) tunnel(addr string, timeout time.Duration) error {
	if err := s.writeString(fmt.Sprintf("CONNECT %s HTTP/1.0\n\n", addr)); err != nil {
		return fmt.Errorf("failed to send CONNECT: %w", err)
	}
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("failed to set read deadline: %w", err)
	}
	status, err := s.r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("%w: unknown answer %q: %v", ErrProxy, status, err)
	}
	m := proxyStatusRe.FindStringSubmatch(status)
	if m == nil {
		return fmt.Errorf("%w: unknown answer %q", ErrProxy, strings.TrimSpace(status))
	}
	if m[1] != "200" {
		return fmt.Errorf("%w: %s", ErrProxy, strings.TrimSpace(status))
	}

	// Drop header lines the proxy already sent; only the status line is required
	for s.r.Buffered() > 0 {
		line, err := s.r.ReadString('\n')
		if err != nil || strings.TrimSpace(line) == "" {
			break
		}
	}
	return nil
}

// sendBytes streams exactly count raw bytes from the committed offset
func (s *session) sendBytes(req Request, count int64) (int64, error) {
	section := io.NewSectionReader(req.File, req.Offset, count)
	n, err := io.CopyBuffer(s.w, section, make([]byte, chunkSize))
	if err != nil {
		return n, fmt.Errorf("failed to send bytes: %w", err)
	}
	if n != count {
		return n, fmt.Errorf("file shrank while sending: sent %d of %d bytes", n, count)
	}
	if err := s.w.Flush(); err != nil {
		return n, fmt.Errorf("failed to send bytes: %w", err)
	}
	return n, nil
}

// deadlineWriter refreshes the write deadline before every write
type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (w *deadlineWriter) Write(p []byte) (int, error) {
	if w.timeout > 0 {
		if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
			return 0, err
		}
	}
	return w.conn.Write(p)
}
