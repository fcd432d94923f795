package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/harunnryd/japa/pkg/japa"
	twilionotify "github.com/harunnryd/japa/pkg/notify/twilio"
)

func main() {
	configPath := flag.String("config", "examples/demo/config.yaml", "")
	action := flag.String("action", "", "start, stop, state or sms")
	via := flag.String("via", "http", "http or bus")
	message := flag.String("message", "japa test message", "body for -action=sms")
	flag.Parse()
	if *action == "" {
		fmt.Println("usage: remote -action=start|stop|state|sms [-via=http|bus] [-config=...]")
		os.Exit(1)
	}
	cfg, err := japa.LoadConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out string
	switch {
	case *action == "sms":
		out, err = sendSMS(ctx, cfg, *message)
	case *via == "bus":
		out, err = viaBus(cfg, *action)
	default:
		out, err = viaHTTP(ctx, cfg, *action)
	}
	if err != nil {
		fmt.Println(*action, "error:", err)
		os.Exit(1)
	}
	fmt.Println(out)
}

func viaHTTP(ctx context.Context, cfg japa.Config, action string) (string, error) {
	addr := cfg.Transports.Web.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	method := http.MethodPost
	if action == "state" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://"+addr+"/"+action, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %s", resp.StatusCode, strings.TrimSpace(string(body))), nil
}

func viaBus(cfg japa.Config, action string) (string, error) {
	bc := cfg.Transports.Bus
	if len(bc.Servers) == 0 {
		return "", fmt.Errorf("transports.bus.servers is empty")
	}
	var subject string
	switch action {
	case "start":
		subject = bc.StartSubject()
	case "stop":
		subject = bc.StopSubject()
	default:
		return "", fmt.Errorf("action %q is not available over the bus", action)
	}
	opts := []nats.Option{nats.Name("japa-remote")}
	if bc.Token != "" {
		opts = append(opts, nats.Token(bc.Token))
	}
	if bc.Username != "" || bc.Password != "" {
		opts = append(opts, nats.UserInfo(bc.Username, bc.Password))
	}
	nc, err := nats.Connect(strings.Join(bc.Servers, ","), opts...)
	if err != nil {
		return "", err
	}
	defer nc.Close()
	msg, err := nc.Request(subject, nil, 5*time.Second)
	if err != nil {
		return "", err
	}
	var reply map[string]any
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return string(msg.Data), nil
	}
	return fmt.Sprintf("%v", reply), nil
}

func sendSMS(ctx context.Context, cfg japa.Config, body string) (string, error) {
	n, err := twilionotify.NewNotifier(cfg.Notify.Twilio)
	if err != nil {
		return "", err
	}
	if err := n.Send(ctx, body); err != nil {
		return "", err
	}
	return fmt.Sprintf("sent to %d recipient(s)", len(cfg.Notify.Twilio.To)), nil
}
