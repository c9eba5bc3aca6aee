package jsruntime

import (
	"net/http"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/betbot/bothost/internal/logstore"
)

func (r *Runtime) install() {
	vm := r.vm

	console := vm.NewObject()
	for name, ch := range map[string]logstore.Channel{
		"log":   logstore.Stdout,
		"info":  logstore.Stdout,
		"debug": logstore.Stdout,
		"warn":  logstore.Stderr,
		"error": logstore.Stderr,
	} {
		ch := ch
		_ = console.Set(name, func(call goja.FunctionCall) goja.Value {
			r.out(ch, r.formatArgs(call.Arguments))
			return goja.Undefined()
		})
	}
	_ = vm.Set("console", console)

	_ = vm.Set("setTimeout", func(call goja.FunctionCall) goja.Value { return r.setTimer(call, false) })
	_ = vm.Set("setInterval", func(call goja.FunctionCall) goja.Value { return r.setTimer(call, true) })
	_ = vm.Set("clearTimeout", r.clearTimer)
	_ = vm.Set("clearInterval", r.clearTimer)

	_ = vm.Set("fetch", r.fetch)
	_ = vm.Set("token", r.opts.Token)

	env := r.opts.Env
	if env == nil {
		env = map[string]string{}
	}
	_ = vm.Set("env", r.toJS(env))
	_ = vm.Set("process", r.toJS(map[string]any{"env": env}))

	module := vm.NewObject()
	exports := vm.NewObject()
	_ = module.Set("exports", exports)
	_ = vm.Set("module", module)
	_ = vm.Set("exports", exports)

	_ = vm.Set("client", r.clientValue())
}

// ---- timers ----

func (r *Runtime) setTimer(call goja.FunctionCall, repeat bool) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(r.vm.NewTypeError("callback must be a function"))
	}
	delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	if repeat && delay < time.Millisecond {
		delay = time.Millisecond
	}
	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = append(args, call.Arguments[2:]...)
	}

	r.nextTimer++
	id := r.nextTimer
	tm := &jsTimer{fn: fn, args: args, every: delay, repeat: repeat}
	r.timers[id] = tm
	r.schedule(id, tm)
	return r.vm.ToValue(id)
}

func (r *Runtime) schedule(id int64, tm *jsTimer) {
	tm.t = time.AfterFunc(tm.every, func() {
		r.post(func() { r.fireTimer(id) })
	})
}

func (r *Runtime) fireTimer(id int64) {
	tm, ok := r.timers[id]
	if !ok {
		return
	}
	if !tm.repeat {
		delete(r.timers, id)
	}
	r.call(tm.fn, goja.Undefined(), tm.args...)
	// the callback may have cleared its own interval
	if _, still := r.timers[id]; still && tm.repeat {
		r.schedule(id, tm)
	}
}

func (r *Runtime) clearTimer(call goja.FunctionCall) goja.Value {
	id := call.Argument(0).ToInteger()
	if tm, ok := r.timers[id]; ok {
		tm.t.Stop()
		delete(r.timers, id)
	}
	return goja.Undefined()
}

// ---- fetch ----

func (r *Runtime) fetch(call goja.FunctionCall) goja.Value {
	url := call.Argument(0).String()
	method := http.MethodGet
	headers := map[string]string{}
	var body string
	var hasBody bool

	if o := call.Argument(1); !goja.IsUndefined(o) && !goja.IsNull(o) {
		obj := o.ToObject(r.vm)
		if m := obj.Get("method"); m != nil && !goja.IsUndefined(m) {
			method = strings.ToUpper(m.String())
		}
		if h := obj.Get("headers"); h != nil && !goja.IsUndefined(h) && !goja.IsNull(h) {
			ho := h.ToObject(r.vm)
			for _, k := range ho.Keys() {
				headers[k] = ho.Get(k).String()
			}
		}
		if b := obj.Get("body"); b != nil && !goja.IsUndefined(b) && !goja.IsNull(b) {
			body, hasBody = b.String(), true
		}
	}

	p, resolve, reject := r.vm.NewPromise()
	go func() {
		req := r.http.R().SetContext(r.ctx).SetHeaders(headers)
		if hasBody {
			req.SetBody(body)
		}
		resp, err := req.Execute(method, url)
		r.post(func() {
			if err != nil {
				reject(r.vm.NewGoError(err))
				return
			}
			resolve(r.newResponse(url, resp.StatusCode(), resp.Header(), resp.String()))
		})
	}()
	return r.vm.ToValue(p)
}

func (r *Runtime) newResponse(url string, status int, header http.Header, body string) *goja.Object {
	vm := r.vm
	obj := vm.NewObject()
	_ = obj.Set("ok", status >= 200 && status < 300)
	_ = obj.Set("status", status)
	_ = obj.Set("statusText", http.StatusText(status))
	_ = obj.Set("url", url)

	h := map[string]string{}
	for k := range header {
		h[strings.ToLower(k)] = header.Get(k)
	}
	_ = obj.Set("headers", r.toJS(h))

	_ = obj.Set("text", func(goja.FunctionCall) goja.Value {
		p, resolve, _ := vm.NewPromise()
		resolve(body)
		return vm.ToValue(p)
	})
	_ = obj.Set("json", func(goja.FunctionCall) goja.Value {
		p, resolve, reject := vm.NewPromise()
		v, err := r.parseJSON(body)
		if err != nil {
			reject(vm.NewGoError(err))
		} else {
			resolve(v)
		}
		return vm.ToValue(p)
	})
	return obj
}

// ---- client ----

func (r *Runtime) clientValue() goja.Value {
	if r.clientObj != nil {
		return r.clientObj
	}
	vm := r.vm
	c := vm.NewObject()
	_ = c.Set("on", func(call goja.FunctionCall) goja.Value {
		r.addHandler(call, false)
		return c
	})
	_ = c.Set("once", func(call goja.FunctionCall) goja.Value {
		r.addHandler(call, true)
		return c
	})
	_ = c.Set("sendMessage", func(call goja.FunctionCall) goja.Value {
		return r.sendMessage(call.Argument(0).String(), call.Argument(1).String())
	})
	if r.opts.Client != nil {
		u := r.opts.Client.User()
		_ = c.Set("user", r.toJS(map[string]any{
			"id":       u.ID,
			"username": u.Username,
			"tag":      u.Tag(),
			"bot":      u.Bot,
		}))
	} else {
		_ = c.Set("user", goja.Null())
	}
	r.clientObj = c
	return c
}

func (r *Runtime) addHandler(call goja.FunctionCall, once bool) {
	event := call.Argument(0).String()
	fn, ok := goja.AssertFunction(call.Argument(1))
	if !ok {
		panic(r.vm.NewTypeError("listener must be a function"))
	}
	r.handlers[event] = append(r.handlers[event], &handler{fn: fn, once: once})
}

func (r *Runtime) dispatch(event string, data map[string]any) {
	hs := r.handlers[event]
	if len(hs) == 0 {
		return
	}
	payload := r.toJS(data)
	if obj, ok := payload.(*goja.Object); ok {
		if chID, _ := data["channel_id"].(string); chID != "" {
			_ = obj.Set("reply", func(call goja.FunctionCall) goja.Value {
				return r.sendMessage(chID, call.Argument(0).String())
			})
		}
	}

	keep := hs[:0:0]
	for _, h := range hs {
		if !h.once {
			keep = append(keep, h)
		}
	}
	r.handlers[event] = keep

	for _, h := range hs {
		r.call(h.fn, r.clientObj, payload)
	}
}

func (r *Runtime) sendMessage(channelID, content string) goja.Value {
	p, resolve, reject := r.vm.NewPromise()
	if r.opts.Client == nil {
		reject(r.vm.NewGoError(errNoClient))
		return r.vm.ToValue(p)
	}
	go func() {
		msg, err := r.opts.Client.SendMessage(r.ctx, channelID, content)
		r.post(func() {
			if err != nil {
				reject(r.vm.NewGoError(err))
				return
			}
			resolve(r.toJS(msg))
		})
	}()
	return r.vm.ToValue(p)
}
