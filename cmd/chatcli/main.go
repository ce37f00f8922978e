package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lumenwell/serenity/backend/internal/config"
	"github.com/lumenwell/serenity/backend/internal/model/chat"
	"github.com/lumenwell/serenity/backend/internal/service/ai"
	chatservice "github.com/lumenwell/serenity/backend/internal/service/chat"
	"github.com/lumenwell/serenity/backend/internal/service/completion"
	"github.com/lumenwell/serenity/backend/internal/service/identity"
	"github.com/lumenwell/serenity/backend/internal/storage/rest"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	token := flag.String("token", os.Getenv("CHAT_TOKEN"), "用户访问令牌 (JWT)")
	apiKey := flag.String("apikey", cfg.Auth.AnonKey, "apikey 请求头")
	completionURL := flag.String("completion", cfg.Chat.CompletionURL, "补全接口地址")
	restURL := flag.String("rest", cfg.Chat.RestURL, "行存储接口地址")
	timeout := flag.Duration("timeout", cfg.Chat.RequestTimeout, "单次请求超时时间")
	verbose := flag.Bool("v", false, "输出调试日志")

	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		flag.Usage()
		log.Fatal("请通过 -token 或 CHAT_TOKEN 提供用户令牌")
	}
	if !*verbose {
		log.SetOutput(io.Discard)
	}

	tokenFn := func(context.Context) (string, error) { return *token, nil }

	gateway, err := rest.New(rest.Config{BaseURL: *restURL, APIKey: *apiKey, Token: tokenFn})
	if err != nil {
		fatal("行存储客户端创建失败: %v", err)
	}
	completer, err := completion.New(completion.Config{URL: *completionURL, APIKey: *apiKey, Token: tokenFn})
	if err != nil {
		fatal("补全客户端创建失败: %v", err)
	}

	session, err := chatservice.NewSession(chatservice.Options{
		Gateway:         gateway,
		Completer:       completer,
		Identity:        identity.Token(tokenFn),
		Listener:        render,
		MaxPendingBytes: cfg.Chat.MaxPendingBytes,
	})
	if err != nil {
		fatal("会话创建失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run(ctx, session, *timeout)
}

func run(ctx context.Context, session *chatservice.Session, timeout time.Duration) {
	withTimeout := func(fn func(context.Context) error) error {
		opCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return fn(opCtx)
	}

	if err := withTimeout(session.LoadHistory); err == nil && len(session.Messages()) == 0 {
		fmt.Printf("assistant> %s\n", ai.WelcomeMessage)
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Print("you> ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return
		case "/clear":
			_ = withTimeout(session.Clear)
			continue
		case "/history":
			printHistory(session.Messages())
			continue
		}

		err := withTimeout(func(ctx context.Context) error { return session.Send(ctx, line) })
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return
		}
	}
}

// render 把会话事件输出到终端。
func render(event chatservice.Event) {
	switch event.Type {
	case chatservice.EventHistory:
		printHistory(event.Messages)
	case chatservice.EventDelta:
		if event.Message != nil && event.Message.Content == event.Delta {
			fmt.Print("assistant> ")
		}
		fmt.Print(event.Delta)
	case chatservice.EventMessage:
		if event.Message != nil && event.Message.Role == chat.RoleAssistant {
			fmt.Println()
		}
	case chatservice.EventNotice:
		fmt.Printf("[%s] %s: %s\n", event.Notice.Level, event.Notice.Title, event.Notice.Description)
	}
}

func printHistory(messages []chat.Message) {
	for _, m := range messages {
		fmt.Printf("%s %s> %s\n", m.CreatedAt.Local().Format("01-02 15:04"), m.Role, m.Content)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
