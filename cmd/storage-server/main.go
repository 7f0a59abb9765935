package main

import (
	"flag"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/awkwardd/doris/config"
	"github.com/awkwardd/doris/olap/catalog"
	"github.com/awkwardd/doris/olap/storage"
	"github.com/awkwardd/doris/olap/transaction"
)

var (
	configPath = flag.String("config", "", "config file path")
	storeAddr  = flag.String("addr", "", "store address")
)

func loadConfig() *config.Config {
	conf := config.NewDefaultConfig()
	if *configPath != "" {
		if err := conf.LoadFromFile(*configPath); err != nil {
			log.Fatal("load config", zap.String("path", *configPath), zap.Error(err))
		}
	}
	if *storeAddr != "" {
		conf.StoreAddr = *storeAddr
	}
	if err := conf.Validate(); err != nil {
		log.Fatal("validate config", zap.Error(err))
	}
	return conf
}

// logClearTaskSender stands in for the agent-task RPC channel on single-node
// deployments.
type logClearTaskSender struct{}

func (logClearTaskSender) SendClearTransactionTasks(tasks []transaction.ClearTransactionTask) {
	log.Info("send clear transaction tasks", zap.Int("count", len(tasks)))
}

func main() {
	flag.Parse()
	conf := loadConfig()

	logCfg := &log.Config{Level: conf.LogLevel}
	if conf.LogFile != "" {
		logCfg.File = log.FileLogConfig{Filename: conf.LogFile}
	}
	logger, props, err := log.InitLogger(logCfg)
	if err != nil {
		panic(err)
	}
	log.ReplaceGlobals(logger, props)

	tabletMgr := storage.NewMemTabletManager(conf.TabletMapShardSize)
	engine, err := storage.Open(conf, tabletMgr)
	if err != nil {
		log.Fatal("open storage engine", zap.Error(err))
	}
	engine.Start()

	cat := catalog.NewCatalog()
	stateMgr := transaction.NewGlobalStateMgr(cat, transaction.NewMemEditLog())
	txnMgr := transaction.NewManager(conf, stateMgr, logClearTaskSender{})
	txnMgr.Start(10 * time.Second)

	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/api/compaction/run_status", func(w http.ResponseWriter, r *http.Request) {
		status, err := engine.GetCompactionStatusJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(status))
	})
	go func() {
		if err := http.ListenAndServe(conf.HTTPAddr, nil); err != nil {
			log.Warn("http server stopped", zap.Error(err))
		}
	}()
	log.Info("storage server started",
		zap.String("addr", conf.StoreAddr), zap.String("http", conf.HTTPAddr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))

	txnMgr.Stop()
	engine.Stop()
}
