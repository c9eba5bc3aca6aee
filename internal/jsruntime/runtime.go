// Package jsruntime is the restricted execution context of embedded bots: an
// ECMAScript VM that only sees the capabilities injected here (timers,
// console, fetch, the bot token, its env overlay and the platform client).
//
// The VM is owned by a single loop goroutine. Everything that touches it,
// including timer callbacks and platform events, is posted to that loop.
package jsruntime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/betbot/bothost/internal/logstore"
	"github.com/betbot/bothost/internal/metrics"
	"github.com/betbot/bothost/internal/platform"
)

var (
	ErrClosed   = errors.New("jsruntime: closed")
	errNoClient = errors.New("no platform session")
)

const faultPrefix = "Error in user code: "

// Client is the platform session exposed to scripts as `client`.
type Client interface {
	User() platform.User
	SendMessage(ctx context.Context, channelID, content string) (map[string]any, error)
}

type OutputFunc func(ch logstore.Channel, text string)

type Options struct {
	Token       string
	Env         map[string]string
	Client      Client
	HTTP        *resty.Client
	EvalTimeout time.Duration
	Output      OutputFunc
}

type handler struct {
	fn   goja.Callable
	once bool
}

type jsTimer struct {
	fn     goja.Callable
	args   []goja.Value
	every  time.Duration
	repeat bool
	t      *time.Timer
}

type Runtime struct {
	vm   *goja.Runtime
	opts Options
	http *resty.Client
	log  *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	jobs      chan func()
	quit      chan struct{}
	closeOnce sync.Once
	loopDone  chan struct{}

	// loop-owned
	clientObj *goja.Object
	handlers  map[string][]*handler
	timers    map[int64]*jsTimer
	nextTimer int64
	rejected  map[*goja.Promise]struct{}
}

func New(opts Options) *Runtime {
	if opts.EvalTimeout <= 0 {
		opts.EvalTimeout = 10 * time.Second
	}
	if opts.Output == nil {
		opts.Output = func(logstore.Channel, string) {}
	}
	hc := opts.HTTP
	if hc == nil {
		hc = resty.New().SetTimeout(30 * time.Second)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		vm:       goja.New(),
		opts:     opts,
		http:     hc,
		log:      logrus.WithField("component", "jsruntime"),
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(chan func(), 256),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		handlers: make(map[string][]*handler),
		timers:   make(map[int64]*jsTimer),
		rejected: make(map[*goja.Promise]struct{}),
	}
	r.vm.SetPromiseRejectionTracker(r.trackRejection)
	r.install()
	go r.loop()
	return r
}

func (r *Runtime) loop() {
	defer close(r.loopDone)
	for {
		select {
		case <-r.quit:
			return
		case job := <-r.jobs:
			r.runJob(job)
		}
	}
}

func (r *Runtime) runJob(job func()) {
	defer func() {
		if p := recover(); p != nil {
			r.fault(fmt.Sprint(p))
		}
		r.flushRejections()
	}()
	job()
}

// post queues job on the loop. It returns false once the runtime is closed.
func (r *Runtime) post(job func()) bool {
	select {
	case <-r.quit:
		return false
	default:
	}
	select {
	case r.jobs <- job:
		return true
	case <-r.quit:
		return false
	}
}

// Eval runs src under the evaluation budget, then calls module.exports(client)
// when the program exported a function. A fault is reported as a log line and
// returned; the runtime stays usable either way.
func (r *Runtime) Eval(name, src string) error {
	errc := make(chan error, 1)
	if !r.post(func() { errc <- r.eval(name, src) }) {
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-r.quit:
		return ErrClosed
	}
}

func (r *Runtime) eval(name, src string) (err error) {
	budget := r.opts.EvalTimeout
	fired := make(chan struct{})
	t := time.AfterFunc(budget, func() {
		defer close(fired)
		r.vm.Interrupt(fmt.Sprintf("evaluation exceeded %s", budget))
	})
	defer func() {
		if !t.Stop() {
			<-fired
		}
		r.vm.ClearInterrupt()
		if p := recover(); p != nil {
			err = fmt.Errorf("%v", p)
		}
		if err != nil {
			r.fault(describe(err))
		}
	}()

	if _, err = r.vm.RunScript(name, src); err != nil {
		return err
	}
	exp := r.vm.Get("module").ToObject(r.vm).Get("exports")
	if fn, ok := goja.AssertFunction(exp); ok {
		_, err = fn(goja.Undefined(), r.clientValue())
	}
	return err
}

// Dispatch delivers a platform event to handlers registered with client.on/once.
func (r *Runtime) Dispatch(event string, data map[string]any) {
	r.post(func() { r.dispatch(event, data) })
}

// Close stops the loop; pending timers and callbacks never run afterwards.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		r.cancel()
		r.vm.Interrupt("runtime closed")
		close(r.quit)
		<-r.loopDone
		for _, tm := range r.timers {
			tm.t.Stop()
		}
	})
}

func (r *Runtime) out(ch logstore.Channel, text string) {
	r.opts.Output(ch, text)
}

func (r *Runtime) fault(msg string) {
	metrics.RuntimeFaults.Add(1)
	r.out(logstore.Stderr, faultPrefix+msg)
}

func (r *Runtime) call(fn goja.Callable, this goja.Value, args ...goja.Value) {
	if _, err := fn(this, args...); err != nil {
		r.fault(describe(err))
	}
}

func (r *Runtime) trackRejection(p *goja.Promise, op goja.PromiseRejectionOperation) {
	switch op {
	case goja.PromiseRejectionReject:
		r.rejected[p] = struct{}{}
	case goja.PromiseRejectionHandle:
		delete(r.rejected, p)
	}
}

func (r *Runtime) flushRejections() {
	for p := range r.rejected {
		delete(r.rejected, p)
		reason := "undefined"
		if v := p.Result(); v != nil {
			reason = r.format(v)
		}
		r.fault("Unhandled promise rejection: " + reason)
	}
}

func describe(err error) string {
	var ex *goja.Exception
	if errors.As(err, &ex) && ex.Value() != nil {
		return ex.Value().String()
	}
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		return fmt.Sprint(ie.Value())
	}
	return err.Error()
}

// toJS converts a Go JSON-shaped value into a plain JS value.
func (r *Runtime) toJS(v any) goja.Value {
	b, err := json.Marshal(v)
	if err != nil {
		return r.vm.ToValue(v)
	}
	out, err := r.parseJSON(string(b))
	if err != nil {
		return r.vm.ToValue(v)
	}
	return out
}

func (r *Runtime) parseJSON(s string) (goja.Value, error) {
	parse, ok := goja.AssertFunction(r.vm.Get("JSON").ToObject(r.vm).Get("parse"))
	if !ok {
		return nil, errors.New("JSON.parse unavailable")
	}
	return parse(goja.Undefined(), r.vm.ToValue(s))
}

func (r *Runtime) format(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return v.String()
	}
	if _, isFn := goja.AssertFunction(v); isFn {
		return "[Function]"
	}
	if obj.ClassName() == "Error" {
		return v.String()
	}
	stringify, ok := goja.AssertFunction(r.vm.Get("JSON").ToObject(r.vm).Get("stringify"))
	if ok {
		if s, err := stringify(goja.Undefined(), v); err == nil && !goja.IsUndefined(s) {
			return s.String()
		}
	}
	return v.String()
}

func (r *Runtime) formatArgs(args []goja.Value) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = r.format(a)
	}
	return strings.Join(parts, " ")
}
