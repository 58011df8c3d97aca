// Демонстрационный клиент: подключение к SIP-over-WebSocket шлюзу,
// регистрация с авто-продлением и, опционально, исходящий вызов.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/webphone/pkg/engine"
	"github.com/arzzra/webphone/pkg/engine/sipgowrap"
	"github.com/arzzra/webphone/pkg/eventbus"
	"github.com/arzzra/webphone/pkg/session"
)

func main() {
	var (
		wsEndpoint  = flag.String("ws", "wss://sip.example.com:7443", "WebSocket endpoint шлюза")
		uri         = flag.String("uri", "sip:alice@example.com", "Локальный SIP URI")
		password    = flag.String("password", "", "Пароль digest-аутентификации")
		displayName = flag.String("display-name", "", "Отображаемое имя")
		expires     = flag.Int("expires", 600, "Запрашиваемый интервал регистрации, сек")
		target      = flag.String("call", "", "Адрес исходящего вызова (пусто - только регистрация)")
		callFor     = flag.Duration("call-for", 10*time.Second, "Длительность вызова до hangup")
		metricsAddr = flag.String("metrics", "", "Адрес HTTP endpoint метрик (пусто - выключено)")
		debug       = flag.Bool("debug", false, "Трассировка SIP сообщений")
	)
	flag.Parse()

	if *debug {
		sip.SIPDebug = true
	}

	if err := run(*wsEndpoint, *uri, *password, *displayName, *expires, *target, *callFor, *metricsAddr); err != nil {
		log.Fatalf("Ошибка: %v", err)
	}
}

func run(wsEndpoint, uri, password, displayName string, expires int, target string, callFor time.Duration, metricsAddr string) error {
	registry := prometheus.NewRegistry()
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Printf("Сервер метрик: %v", err)
			}
		}()
		log.Printf("Метрики: http://%s/metrics", metricsAddr)
	}

	eng, err := sipgowrap.New(sipgowrap.Config{
		WSEndpoint:  wsEndpoint,
		URI:         uri,
		Password:    password,
		DisplayName: displayName,
	})
	if err != nil {
		return err
	}

	cfg := session.DefaultConfig()
	cfg.WSEndpoint = wsEndpoint
	cfg.URI = uri
	cfg.Password = password
	cfg.DisplayName = displayName
	cfg.Expires = expires
	cfg.MetricsRegisterer = registry

	bus := eventbus.New()
	registrar := session.NewConnectionRegistrar(cfg, eng, bus)
	refresher := session.NewRegistrationRefresher(registrar)
	defer refresher.Destroy()

	// Журналирование всех событий ядра.
	bus.On("*", func(event string, payload interface{}) {
		log.Printf("событие %s: %+v", event, payload)
	})

	// Автоответ на входящие вызовы.
	bus.On(session.EventCallStateChanged, func(event string, payload interface{}) {
		snap, ok := payload.(session.CallSnapshot)
		if !ok || snap.State != session.CallRinging || snap.Direction != string(engine.DirectionIncoming) {
			return
		}
		call, ok := registrar.CallByID(snap.ID)
		if !ok {
			return
		}
		log.Printf("Входящий вызов от %s, отвечаем", snap.RemoteURI)
		if err := call.Answer(context.Background(), engine.AnswerOptions{}); err != nil {
			log.Printf("Ошибка ответа: %v", err)
		}
	})

	ctx := context.Background()

	log.Printf("Подключение к %s...", wsEndpoint)
	if err := registrar.Connect(ctx); err != nil {
		return fmt.Errorf("подключение: %w", err)
	}
	log.Printf("Подключено")

	log.Printf("Регистрация %s...", uri)
	if err := registrar.Register(ctx, &engine.RegisterOptions{Expires: expires}); err != nil {
		return fmt.Errorf("регистрация: %w", err)
	}
	if rec := registrar.Registration(); rec != nil {
		log.Printf("Зарегистрировано до %s", rec.ExpiryAt.Format(time.RFC3339))
	}

	if target != "" {
		go runCall(ctx, registrar, target, callFor)
	}

	// Ожидание Ctrl+C; продление регистрации идет в фоне.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("Завершение...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return registrar.Destroy(shutdownCtx)
}

// runCall выполняет исходящий вызов и кладет трубку через callFor.
func runCall(ctx context.Context, registrar *session.ConnectionRegistrar, target string, callFor time.Duration) {
	log.Printf("Вызов %s...", target)
	call, err := registrar.Call(ctx, target, engine.CallOptions{})
	if err != nil {
		log.Printf("Ошибка вызова: %v", err)
		return
	}

	bus := registrar.Bus()
	if _, err := bus.WaitForTimeout(session.EventCallConfirmed, 30*time.Second); err != nil {
		log.Printf("Вызов не установлен: %v", err)
		_ = call.Hangup(ctx)
		return
	}

	log.Printf("Разговор, hangup через %s", callFor)
	time.Sleep(callFor)

	if stats, err := call.Statistics(); err == nil {
		log.Printf("Статистика: отправлено %d пакетов, принято %d, потеряно %d",
			stats.PacketsSent, stats.PacketsReceived, stats.PacketsLost)
	}
	if err := call.Hangup(ctx); err != nil {
		log.Printf("Ошибка hangup: %v", err)
	}
}
