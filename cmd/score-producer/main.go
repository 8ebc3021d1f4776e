package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/arcade-ledger/internal/config"
	"github.com/arcade-ledger/internal/domain"
	"github.com/arcade-ledger/internal/reward"
	"github.com/google/uuid"
)

var playerPrefixes = []string{
	"Phoenix", "Shadow", "Thunder", "Storm", "Blaze", "Ninja", "Dragon", "Wolf", "Hawk", "Viper",
	"Ghost", "Titan", "Frost", "Cyber", "Nova", "Raven", "Omega", "Alpha", "Delta", "Sigma",
}

func playerID(idx int) string {
	return fmt.Sprintf("%s%d", playerPrefixes[idx%len(playerPrefixes)], idx/len(playerPrefixes)+1)
}

// generator builds plausible finished games with device-computed rewards
type generator struct {
	calculator *reward.Calculator
	games      []string
	players    int
	tamper     int
}

func (g *generator) next() domain.SubmitScoreRequest {
	// skew traffic toward a small group of regulars so the top of the board moves
	idx := rand.Intn(g.players)
	if g.players > 20 && rand.Intn(100) < 70 {
		idx = rand.Intn(20)
	}
	game := g.games[rand.Intn(len(g.games))]
	score := int64(rand.Intn(5000) + 100)
	meta := domain.Metadata{
		"accuracy":     rand.Intn(101),
		"perfectRound": rand.Intn(20) == 0,
		"levelTime":    rand.Intn(300) + 30,
	}

	claimed := g.calculator.Tokens(game, score, meta)
	if g.tamper > 0 && rand.Intn(100) < g.tamper {
		claimed *= 10
	}

	return domain.SubmitScoreRequest{
		EntryID:        uuid.NewString(),
		PlayerID:       playerID(idx),
		GameID:         game,
		Score:          score,
		Metadata:       meta,
		IdempotencyKey: uuid.NewString(),
		Reward:         claimed,
		CreatedAt:      time.Now().UTC(),
	}
}

func main() {
	brokers := flag.String("brokers", "localhost:9094", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "score-submissions", "Kafka topic")
	totalPlayers := flag.Int("players", 1000, "Number of distinct players")
	rate := flag.Int("rate", 100, "Submissions per second")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	tamper := flag.Int("tamper", 0, "Percentage of submissions claiming an inflated reward")
	duplicates := flag.Int("duplicates", 5, "Percentage of submissions resent with the same idempotency key")
	flag.Parse()

	if *rate <= 0 || *totalPlayers <= 0 {
		log.Fatalf("rate and players must be positive")
	}

	calculator, err := reward.NewCalculator(config.DefaultGames)
	if err != nil {
		log.Fatalf("Failed to build reward calculator: %v", err)
	}
	gen := &generator{
		calculator: calculator,
		games:      calculator.Games(),
		players:    *totalPlayers,
		tamper:     *tamper,
	}

	fmt.Printf("Score producer: brokers=%s topic=%s players=%d rate=%d/s tamper=%d%% duplicates=%d%%\n",
		*brokers, *topic, *totalPlayers, *rate, *tamper, *duplicates)

	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Producer.Flush.Frequency = 100 * time.Millisecond
	saramaConfig.Producer.Flush.Messages = 100
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(strings.Split(*brokers, ","), saramaConfig)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}

	var sent, failed, resent atomic.Int64
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		for range producer.Successes() {
			sent.Add(1)
		}
	}()
	go func() {
		defer wg.Done()
		for err := range producer.Errors() {
			failed.Add(1)
			log.Printf("Producer error: %v", err)
		}
	}()

	send := func(req domain.SubmitScoreRequest) {
		data, err := json.Marshal(req)
		if err != nil {
			log.Printf("Failed to marshal submission: %v", err)
			return
		}
		producer.Input() <- &sarama.ProducerMessage{
			Topic: *topic,
			Key:   sarama.StringEncoder(req.PlayerID),
			Value: sarama.ByteEncoder(data),
		}
	}

	shutdown := func(reason string) {
		fmt.Printf("\n%s, shutting down...\n", reason)
		producer.AsyncClose()
		wg.Wait()
		fmt.Printf("Completed. Sent: %d, Resent: %d, Errors: %d\n", sent.Load(), resent.Load(), failed.Load())
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second / time.Duration(*rate))
	defer ticker.Stop()
	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	var deadline <-chan time.Time
	if *duration > 0 {
		deadline = time.After(*duration)
	}

	var last *domain.SubmitScoreRequest
	for {
		select {
		case <-sigChan:
			shutdown("Interrupted")
			return

		case <-deadline:
			shutdown("Duration reached")
			return

		case <-ticker.C:
			// resending exercises the ledger's idempotency
			if last != nil && rand.Intn(100) < *duplicates {
				send(*last)
				resent.Add(1)
				continue
			}
			req := gen.next()
			send(req)
			last = &req

		case <-statsTicker.C:
			fmt.Printf("[%s] Sent: %d | Resent: %d | Errors: %d\n",
				time.Now().Format("15:04:05"), sent.Load(), resent.Load(), failed.Load())
		}
	}
}
