// botctl is the operator CLI for a bothost server.
//
//	botctl [-server URL] [-user ID] start|stop|status|logs <botID>
//	botctl [-server URL] list
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/term"
)

func main() {
	var (
		serverURL = flag.String("server", getenv("BOTHOST_SERVER", "http://127.0.0.1:8080"), "bothost server base URL")
		userID    = flag.String("user", getenv("BOTHOST_USER", ""), "requesting user id")
		tui       = flag.Bool("tui", false, "logs: live terminal view (needs a terminal)")
		follow    = flag.Bool("f", true, "logs: keep following after the backlog")
	)
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: botctl [flags] start|stop|status|logs <botID> | list")
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	cmd := args[0]
	botID := ""
	if cmd != "list" {
		if len(args) != 2 {
			flag.Usage()
			os.Exit(2)
		}
		botID = args[1]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := newAPI(*serverURL, *userID)
	var err error
	switch cmd {
	case "start":
		err = api.start(ctx, botID)
	case "stop":
		err = api.stop(ctx, botID)
	case "status":
		err = api.status(ctx, botID)
	case "list":
		err = api.list(ctx)
	case "logs":
		switch {
		case *tui && term.IsTerminal(int(os.Stdout.Fd())):
			err = runTUI(ctx, api, botID)
		case *follow:
			err = api.stream(ctx, botID, func(line string) { fmt.Println(line) })
		default:
			err = api.backlog(ctx, botID)
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil && ctx.Err() == nil {
		fatal(err)
	}
}

type api struct {
	http *resty.Client
	sse  *resty.Client
	user string
}

func newAPI(base, user string) *api {
	base = strings.TrimRight(base, "/")
	return &api{
		http: resty.New().SetBaseURL(base).SetTimeout(30 * time.Second),
		sse:  resty.New().SetBaseURL(base),
		user: user,
	}
}

type apiError struct {
	Error string `json:"error"`
}

func (a *api) post(ctx context.Context, path string) (map[string]any, error) {
	if strings.TrimSpace(a.user) == "" {
		return nil, fmt.Errorf("-user is required")
	}
	var out map[string]any
	var apiErr apiError
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"user_id": a.user}).
		SetResult(&out).
		SetError(&apiErr).
		Post(path)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%s: %s", resp.Status(), apiErr.Error)
	}
	return out, nil
}

func (a *api) get(ctx context.Context, path string, out any) error {
	var apiErr apiError
	resp, err := a.http.R().SetContext(ctx).SetResult(out).SetError(&apiErr).Get(path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("%s: %s", resp.Status(), apiErr.Error)
	}
	return nil
}

func (a *api) start(ctx context.Context, botID string) error {
	out, err := a.post(ctx, "/api/bots/"+botID+"/start")
	if err != nil {
		return err
	}
	if already, _ := out["already_running"].(bool); already {
		fmt.Printf("%s already running (%v)\n", botID, out["instance_id"])
		return nil
	}
	fmt.Printf("%s started (%v)\n", botID, out["instance_id"])
	return nil
}

func (a *api) stop(ctx context.Context, botID string) error {
	if _, err := a.post(ctx, "/api/bots/"+botID+"/stop"); err != nil {
		return err
	}
	fmt.Printf("%s stopped\n", botID)
	return nil
}

func (a *api) status(ctx context.Context, botID string) error {
	var out map[string]any
	if err := a.get(ctx, "/api/bots/"+botID+"/status", &out); err != nil {
		return err
	}
	return printJSON(out)
}

func (a *api) list(ctx context.Context) error {
	var out map[string]any
	path := "/api/bots/"
	if a.user != "" {
		path += "?owner=" + a.user
	}
	if err := a.get(ctx, path, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func (a *api) backlog(ctx context.Context, botID string) error {
	var out struct {
		Lines []struct {
			Channel string `json:"channel"`
			Text    string `json:"text"`
		} `json:"lines"`
	}
	if err := a.get(ctx, "/api/bots/"+botID+"/logs", &out); err != nil {
		return err
	}
	for _, l := range out.Lines {
		if l.Channel == "stderr" {
			fmt.Println("[ERR] " + l.Text)
			continue
		}
		fmt.Println(l.Text)
	}
	return nil
}

// stream follows the SSE endpoint until ctx ends or the server closes it.
func (a *api) stream(ctx context.Context, botID string, fn func(string)) error {
	resp, err := a.sse.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("Accept", "text/event-stream").
		Get("/api/bots/" + botID + "/logs/stream")
	if err != nil {
		return err
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.IsError() {
		return fmt.Errorf("%s", resp.Status())
	}
	return readSSE(body, fn)
}

// readSSE calls fn for every data event, undoing the server's newline escaping.
func readSSE(r io.Reader, fn func(string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
		data = strings.NewReplacer(`\r`, "\r", `\n`, "\n").Replace(data)
		fn(data)
	}
	return sc.Err()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
