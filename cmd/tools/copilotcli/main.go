package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/z-copilot/backend/internal/config"
	applog "github.com/zhouzirui/z-copilot/backend/internal/log"
	chatmodel "github.com/zhouzirui/z-copilot/backend/internal/model/chat"
	"github.com/zhouzirui/z-copilot/backend/internal/service/chat"
	"github.com/zhouzirui/z-copilot/backend/internal/service/copilot"
	"github.com/zhouzirui/z-copilot/backend/internal/storage/kv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		applog.Debug().Err(err).Msg("无法加载 .env，改用系统环境变量")
	}

	cfg, err := config.Load()
	if err != nil {
		applog.Fatal().Err(err).Msg("配置加载失败")
	}

	baseURL := flag.String("base-url", cfg.Copilot.BaseURL, "AI 服务地址")
	modeFlag := flag.String("mode", string(cfg.Copilot.Mode), "请求模式: chat, reasoning, agent, agent-reasoning")
	session := flag.String("session", "", "切换到已有会话 ID")
	newSession := flag.Bool("new", false, "启动时新建会话")
	storeBackend := flag.String("store", cfg.Store.Backend, "会话存储: file, sqlite, memory")
	storePath := flag.String("store-path", cfg.Store.Path, "会话存储路径")
	showReasoning := flag.Bool("reasoning", true, "输出思考过程")
	timeout := flag.Duration("header-timeout", cfg.Copilot.HeaderTimeout, "等待响应头的超时时间")
	verbose := flag.Bool("v", false, "输出调试日志")
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	applog.Setup(level, true)

	mode, err := chatmodel.ParseMode(*modeFlag)
	if err != nil {
		applog.Fatal().Err(err).Msg("无效的 -mode")
	}

	ctx := context.Background()
	store, err := kv.Open(ctx, *storeBackend, *storePath)
	if err != nil {
		applog.Fatal().Err(err).Msg("打开会话存储失败")
	}
	defer store.Close()

	sessions := chat.NewService(store)
	if err := sessions.Load(ctx); err != nil {
		applog.Fatal().Err(err).Msg("加载会话失败")
	}

	current, err := pickSession(ctx, sessions, *session, *newSession)
	if err != nil {
		applog.Fatal().Err(err).Msg("选择会话失败")
	}

	cli := &terminal{
		sessions:      sessions,
		acc:           copilot.NewAccumulator(copilot.NewClient(*baseURL, *timeout), sessions, mode),
		current:       current,
		out:           os.Stdout,
		showReasoning: *showReasoning,
	}
	if err := cli.run(ctx, os.Stdin); err != nil {
		applog.Fatal().Err(err).Msg("会话中断")
	}
}

func pickSession(ctx context.Context, sessions *chat.Service, id string, fresh bool) (chatmodel.Session, error) {
	switch {
	case fresh:
		return sessions.CreateSession(ctx)
	case id != "":
		session, _, err := sessions.Switch(ctx, id)
		return session, err
	}
	if session, ok := sessions.Current(ctx); ok {
		return session, nil
	}
	return sessions.CreateSession(ctx)
}

type terminal struct {
	sessions      *chat.Service
	acc           *copilot.Accumulator
	current       chatmodel.Session
	out           io.Writer
	showReasoning bool
}

func (t *terminal) run(ctx context.Context, in io.Reader) error {
	fmt.Fprintf(t.out, "会话 %s (%s)，输入 /help 查看命令\n", t.current.ID, t.current.Label)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(t.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(t.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := t.command(ctx, line)
			if err != nil {
				fmt.Fprintf(t.out, "错误: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}
		t.submit(ctx, line)
	}
}

func (t *terminal) command(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/new":
		session, err := t.sessions.CreateSession(ctx)
		if err != nil {
			return false, err
		}
		t.current = session
		fmt.Fprintf(t.out, "新会话 %s\n", session.ID)
	case "/list":
		for _, session := range t.sessions.ListSessions(ctx) {
			marker := " "
			if session.ID == t.current.ID {
				marker = "*"
			}
			fmt.Fprintf(t.out, "%s %s  %s\n", marker, session.ID, session.Label)
		}
	case "/switch":
		if len(fields) < 2 {
			return false, fmt.Errorf("用法: /switch <id>")
		}
		session, messages, err := t.sessions.Switch(ctx, fields[1])
		if err != nil {
			return false, err
		}
		t.current = session
		t.replay(messages)
	case "/delete":
		if err := t.sessions.DeleteSession(ctx, t.current.ID); err != nil {
			return false, err
		}
		session, ok := t.sessions.Current(ctx)
		if !ok {
			return false, chat.ErrSessionRequired
		}
		t.current = session
		fmt.Fprintf(t.out, "已切换到 %s\n", session.ID)
	case "/help":
		fmt.Fprintln(t.out, "/new /list /switch <id> /delete /quit；对话中按 Ctrl+C 中断当前回答")
	default:
		return false, fmt.Errorf("未知命令 %s", fields[0])
	}
	return false, nil
}

func (t *terminal) replay(messages []chatmodel.Message) {
	for _, msg := range messages {
		switch {
		case msg.Role == chatmodel.RoleUser:
			fmt.Fprintf(t.out, "> %s\n", msg.Content)
		case msg.Kind == chatmodel.KindReasoning:
			if t.showReasoning {
				fmt.Fprintf(t.out, "[思考] %s\n", msg.Content)
			}
		default:
			fmt.Fprintln(t.out, msg.Content)
		}
	}
}

// submit runs one turn; SIGINT cancels the turn instead of the process.
func (t *terminal) submit(ctx context.Context, prompt string) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sigCh:
			t.acc.Cancel()
		case <-done:
		}
	}()

	started, thinking := false, false
	observer := func(d copilot.Delta) {
		reasoning := d.Kind == chatmodel.KindReasoning
		if reasoning && !t.showReasoning {
			return
		}
		if started && reasoning != thinking {
			fmt.Fprintln(t.out)
		}
		started, thinking = true, reasoning
		fmt.Fprint(t.out, d.Text)
	}

	start := time.Now()
	turn, err := t.acc.Submit(ctx, t.current.ID, prompt, copilot.WithObserver(observer))
	fmt.Fprintln(t.out)
	if err != nil {
		fmt.Fprintf(t.out, "错误: %v\n", err)
		return
	}
	if turn.Label != "" {
		t.current.Label = turn.Label
	}

	event := applog.Debug().Str("session", turn.SessionID).Str("outcome", string(turn.Outcome)).Dur("elapsed", time.Since(start))
	if turn.Err != nil {
		event = event.Err(turn.Err)
		fmt.Fprintf(t.out, "请求失败: %v\n", turn.Err)
	}
	event.Msg("turn committed")
}
