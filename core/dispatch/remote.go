package dispatch

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"riskengine/core/function"
	"riskengine/core/value"
	"riskengine/internal/errors"
	"riskengine/internal/logging"
)

const kindDecimal = "decimal"

type wireSpec struct {
	Name       string              `msgpack:"name"`
	Target     value.TargetRef     `msgpack:"target"`
	Properties map[string][]string `msgpack:"properties,omitempty"`
}

type wireValue struct {
	Spec  wireSpec `msgpack:"spec"`
	Kind  string   `msgpack:"kind,omitempty"`
	Value any      `msgpack:"value"`
}

// Request is the wire form of a job
type Request struct {
	JobID      string                       `msgpack:"job_id"`
	FunctionID string                       `msgpack:"function_id"`
	Target     value.TargetRef              `msgpack:"target"`
	TargetName string                       `msgpack:"target_name,omitempty"`
	Inputs     []wireValue                  `msgpack:"inputs"`
	Outputs    []wireSpec                   `msgpack:"outputs"`
	Scenario   *function.ScenarioParameters `msgpack:"scenario,omitempty"`
}

// Response is the wire form of a job result
type Response struct {
	JobID         string      `msgpack:"job_id"`
	Outputs       []wireValue `msgpack:"outputs,omitempty"`
	ErrorType     string      `msgpack:"error_type,omitempty"`
	Error         string      `msgpack:"error,omitempty"`
	DurationNanos int64       `msgpack:"duration_ns"`
}

func toWireSpec(s value.ValueSpecification) wireSpec {
	return wireSpec{Name: s.Name, Target: s.Target, Properties: s.Properties.ToMap()}
}

func (w wireSpec) spec() value.ValueSpecification {
	return value.NewSpecification(w.Name, w.Target, value.FromMap(w.Properties))
}

func toWireValue(cv value.ComputedValue) wireValue {
	wv := wireValue{Spec: toWireSpec(cv.Spec), Value: cv.Value}
	if d, ok := cv.Value.(decimal.Decimal); ok {
		wv.Kind = kindDecimal
		wv.Value = d.String()
	}
	return wv
}

func (w wireValue) computed() (value.ComputedValue, error) {
	cv := value.ComputedValue{Spec: w.Spec.spec(), Value: w.Value}
	if w.Kind == kindDecimal {
		s, ok := w.Value.(string)
		if !ok {
			return cv, fmt.Errorf("decimal value for %s is %T", w.Spec.Name, w.Value)
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return cv, err
		}
		cv.Value = d
	}
	return cv, nil
}

func encodeValues(values []value.ComputedValue) []wireValue {
	out := make([]wireValue, len(values))
	for i, v := range values {
		out[i] = toWireValue(v)
	}
	return out
}

func decodeValues(values []wireValue) ([]value.ComputedValue, error) {
	out := make([]value.ComputedValue, len(values))
	for i, v := range values {
		cv, err := v.computed()
		if err != nil {
			return nil, err
		}
		out[i] = cv
	}
	return out, nil
}

// NewRequest builds the wire request for a job
func NewRequest(job *Job) *Request {
	req := &Request{
		JobID:      job.ID,
		FunctionID: job.Node.FunctionID(),
		Target:     job.Node.Target.Ref(),
		TargetName: job.Node.Target.Name,
		Inputs:     encodeValues(job.Inputs),
		Outputs:    make([]wireSpec, len(job.Node.Outputs)),
	}
	for i, o := range job.Node.Outputs {
		req.Outputs[i] = toWireSpec(o)
	}
	if p, ok := job.Node.Parameters.(*function.ScenarioParameters); ok {
		req.Scenario = p
	}
	return req
}

// DialFunc opens a connection to a worker server
type DialFunc func(ctx context.Context) (net.Conn, error)

// RemoteWorker forwards jobs over a connection, one request at a time. A
// request interrupted by its context drops the connection; a worker with a
// dialer reconnects on its next request, one without is lost.
type RemoteWorker struct {
	name string
	dial DialFunc

	mu   sync.Mutex
	conn net.Conn
	enc  *msgpack.Encoder
	dec  *msgpack.Decoder
	lost bool
}

// NewRemoteWorker wraps an established connection
func NewRemoteWorker(name string, conn net.Conn) *RemoteWorker {
	w := &RemoteWorker{name: name}
	w.attach(conn)
	return w
}

// NewRedialingWorker creates a worker that connects on first use and
// reconnects after an interrupted request
func NewRedialingWorker(name string, dial DialFunc) *RemoteWorker {
	return &RemoteWorker{name: name, dial: dial}
}

// Dial connects to a worker server
func Dial(ctx context.Context, addr string) (*RemoteWorker, error) {
	dial := func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
	conn, err := dial(ctx)
	if err != nil {
		return nil, errors.Transport("dial worker "+addr, err)
	}
	w := NewRedialingWorker("remote-"+addr, dial)
	w.attach(conn)
	return w, nil
}

func (w *RemoteWorker) attach(conn net.Conn) {
	dec := msgpack.NewDecoder(conn)
	dec.UseLooseInterfaceDecoding(true)
	w.conn = conn
	w.enc = msgpack.NewEncoder(conn)
	w.dec = dec
}

// Name returns the worker name
func (w *RemoteWorker) Name() string { return w.name }

// Lost reports whether the worker can no longer execute jobs
func (w *RemoteWorker) Lost() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lost
}

// Close closes the connection
func (w *RemoteWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lost = true
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}

// Execute sends the job and waits for its response
func (w *RemoteWorker) Execute(ctx context.Context, job *Job) ([]value.ComputedValue, error) {
	out, _, err := w.ExecuteTimed(ctx, job)
	return out, err
}

// ExecuteTimed sends the job and returns its outputs together with the
// wall-clock duration the worker reported
func (w *RemoteWorker) ExecuteTimed(ctx context.Context, job *Job) ([]value.ComputedValue, time.Duration, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.lost {
		return nil, 0, fmt.Errorf("%w: %s", ErrWorkerLost, w.name)
	}
	if err := w.connect(ctx); err != nil {
		return nil, 0, err
	}

	conn := w.conn
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, 0, w.broken(ctx, err)
	}
	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
		close(interrupted)
	})
	defer func() {
		if !stop() {
			<-interrupted
		}
	}()

	req := NewRequest(job)
	if err := w.enc.Encode(req); err != nil {
		return nil, 0, w.broken(ctx, err)
	}
	var resp Response
	if err := w.dec.Decode(&resp); err != nil {
		return nil, 0, w.broken(ctx, err)
	}
	if resp.JobID != req.JobID {
		return nil, 0, w.broken(ctx, fmt.Errorf("response for job %s, expected %s", resp.JobID, req.JobID))
	}
	took := time.Duration(resp.DurationNanos)
	if resp.Error != "" {
		return nil, took, errors.New(errors.Type(resp.ErrorType), resp.Error).WithContext("worker", w.name)
	}
	out, err := decodeValues(resp.Outputs)
	return out, took, err
}

func (w *RemoteWorker) connect(ctx context.Context) error {
	if w.conn != nil {
		return nil
	}
	if w.dial == nil {
		w.lost = true
		return fmt.Errorf("%w: %s: not connected", ErrWorkerLost, w.name)
	}
	conn, err := w.dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.lost = true
		return fmt.Errorf("%w: %s: %v", ErrWorkerLost, w.name, err)
	}
	w.attach(conn)
	return nil
}

// broken drops the connection. A request interrupted by its context reports
// the context error and leaves a redialing worker usable; any other failure
// means the worker is lost.
func (w *RemoteWorker) broken(ctx context.Context, err error) error {
	_ = w.conn.Close()
	w.conn = nil
	if ctx.Err() != nil {
		if w.dial == nil {
			w.lost = true
		}
		return ctx.Err()
	}
	w.lost = true
	return fmt.Errorf("%w: %s: %v", ErrWorkerLost, w.name, err)
}

// Server executes requests from remote dispatchers against a local registry
type Server struct {
	registry *function.Registry
	targets  function.TargetLookup
	logger   *zap.Logger
}

// NewServer creates a worker server. targets may be nil.
func NewServer(registry *function.Registry, targets function.TargetLookup, logger *zap.Logger) *Server {
	return &Server{
		registry: registry,
		targets:  targets,
		logger:   logging.OrNamed(logger, "worker"),
	}
}

// ListenAndServe accepts connections until ctx is done
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return errors.Transport("listen "+addr, err)
	}
	s.logger.Info("worker listening", zap.String("addr", ln.Addr().String()))
	return s.ServeListener(ctx, ln)
}

// ServeListener accepts connections from ln until ctx is done
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Transport("accept", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Serve(ctx, conn); err != nil {
				s.logger.Warn("connection closed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			}
		}()
	}
}

// Serve handles requests on conn until it is closed or ctx is done
func (s *Server) Serve(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	dec := msgpack.NewDecoder(conn)
	dec.UseLooseInterfaceDecoding(true)
	enc := msgpack.NewEncoder(conn)

	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if stderrors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		resp := s.handle(ctx, &req)
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
}

func (s *Server) handle(ctx context.Context, req *Request) *Response {
	start := time.Now()
	resp := &Response{JobID: req.JobID}
	outputs, err := s.execute(ctx, req)
	resp.DurationNanos = int64(time.Since(start))
	if err != nil {
		resp.ErrorType = string(errors.TypeOf(err))
		resp.Error = err.Error()
		s.logger.Debug("job failed", zap.String("job_id", req.JobID), zap.String("function", req.FunctionID), zap.Error(err))
		return resp
	}
	resp.Outputs = encodeValues(outputs)
	return resp
}

func (s *Server) execute(ctx context.Context, req *Request) ([]value.ComputedValue, error) {
	def, ok := s.registry.Get(req.FunctionID)
	if !ok {
		return nil, errors.NotFound("function", req.FunctionID)
	}

	target := value.ComputationTarget{Type: req.Target.Type, ID: req.Target.ID, Name: req.TargetName}
	if s.targets != nil {
		if t, ok := s.targets.Target(req.Target); ok {
			target = t
		}
	}

	inputs, err := decodeValues(req.Inputs)
	if err != nil {
		return nil, errors.Wrap(errors.TypeInput, "decode inputs", err)
	}
	inv := &function.Invocation{
		Target: target,
		Inputs: inputs,
	}
	for _, o := range req.Outputs {
		inv.Outputs = append(inv.Outputs, o.spec())
	}
	if req.Scenario != nil {
		inv.Parameters = req.Scenario
	}
	return invoke(ctx, def, inv)
}
