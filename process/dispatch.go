package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/go-redis/redis"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"gwascoloc/pkg/contentstore"
	"gwascoloc/pkg/ingest"
	"gwascoloc/pkg/queue"
)

// global flags (parsed in main)
var verbose bool

var httpClient = &http.Client{Timeout: 5 * time.Minute}

func mustInitDBFromEnv() *gorm.DB {
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Fatal("DB_DSN must be set in environment to run this tool")
	}
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	return gdb
}

func mustInitRedisFromEnv() *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping().Err(); err != nil {
		log.WithError(err).WithField("addr", addr).Fatal("redis not reachable")
	}
	return client
}

// Main: pops work items off the upload queue and delivers them to the
// colocalization worker; failed deliveries are dead-lettered. Optional
// watch mode ingests summary-statistics files dropped into a directory.
func main() {
	workerURL := flag.String("worker-url", os.Getenv("WORKER_URL"), "colocalization worker endpoint")
	watch := flag.Bool("watch", false, "Watch a drop directory and ingest new files")
	dirFlag := flag.String("dir", os.Getenv("WATCH_DIR"), "drop directory to watch (with -watch)")
	workers := flag.Int("workers", 0, "Ingest worker pool size (default NumCPU)")
	poll := flag.Duration("poll", 10*time.Second, "Blocking pop timeout per iteration")
	flag.BoolVar(&verbose, "verbose", false, "Verbose per-item logging")
	flag.Parse()

	if *workerURL == "" {
		log.Fatal("worker URL must be set via -worker-url or WORKER_URL")
	}

	rdb := mustInitRedisFromEnv()
	defer rdb.Close()
	queues := queue.New(rdb)

	if *watch {
		if *dirFlag == "" {
			log.Fatal("watch mode needs -dir or WATCH_DIR")
		}
		db := mustInitDBFromEnv()
		store, err := contentstore.New(contentBaseFromEnv())
		if err != nil {
			log.WithError(err).Fatal("failed to initialize content store")
		}
		gw := &ingest.Gateway{DB: db, Queues: queues, Store: store}
		go func() {
			if err := watchDirectory(*dirFlag, gw, effectiveWorkers(*workers)); err != nil {
				log.WithError(err).Fatal("watch failed")
			}
		}()
	}

	log.WithField("worker_url", *workerURL).Info("dispatching upload queue")
	dispatchLoop(queues, *workerURL, *poll)
}

// dispatchLoop is the delivery layer between the queue and the worker.
// Delivery failures move the payload to the DLQ with the error context;
// the worker itself reports processing failures through the fail callback.
func dispatchLoop(queues *queue.Queues, workerURL string, poll time.Duration) {
	for {
		item, err := queues.Pop(queue.UploadQueue, poll)
		if err != nil {
			log.WithError(err).Error("queue pop failed")
			time.Sleep(time.Second)
			continue
		}
		if item == nil {
			continue // timeout, poll again
		}
		logV("delivering %s", item.GUID)
		if err := deliver(workerURL, item); err != nil {
			log.WithError(err).WithField("guid", item.GUID).Error("delivery failed, dead-lettering")
			if ok, dlqErr := queues.MoveToDLQ(queue.UploadQueue, *item, err.Error()); dlqErr != nil || !ok {
				log.WithField("guid", item.GUID).Error("dead-letter write failed, payload lost from queue")
			}
		}
	}
}

func deliver(workerURL string, item *queue.WorkItem) error {
	body, err := json.Marshal(item)
	if err != nil {
		return err
	}
	resp, err := httpClient.Post(workerURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("worker returned status %d", resp.StatusCode)
	}
	return nil
}

func effectiveWorkers(w int) int {
	if w <= 0 {
		return runtime.NumCPU()
	}
	return w
}

func contentBaseFromEnv() string {
	if v := os.Getenv("CONTENT_BASE"); v != "" {
		return v
	}
	return "content"
}

func logV(format string, args ...any) {
	if verbose {
		log.Infof(format, args...)
	}
}
