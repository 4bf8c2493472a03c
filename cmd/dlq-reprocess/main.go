package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/fulfillment/internal/version"
)

const (
	defaultReplayLimit = 100
	defaultBatchSize   = 20
	defaultIdleTimeout = 2 * time.Second
	brokersEnv         = "FULFILLMENT_KAFKA_BROKERS"
)

// Причины, по которым запись DLQ не переотправляется.
const (
	skipOtherGroup  = "other_group"
	skipTooOld      = "too_old"
	skipUndecodable = "undecodable"
)

type config struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	group       string
	since       time.Duration
	limit       int
	batchSize   int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

func (c config) mode() string {
	if c.execute {
		return "execute"
	}
	return "dry-run"
}

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

// replaySink — куда уходят восстановленные сообщения; в рабочем режиме это *kafka.Producer.
type replaySink interface {
	Send(ctx context.Context, messages []domain.BrokerMessage) error
	Close() error
}

type saramaConsumerAdapter struct {
	consumer sarama.Consumer
}

func (a saramaConsumerAdapter) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	pc, err := a.consumer.ConsumePartition(topic, partition, offset)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (a saramaConsumerAdapter) Close() error {
	if a.consumer == nil {
		return nil
	}
	return a.consumer.Close()
}

type dependencies struct {
	offsets  offsetClient
	consumer partitionConsumerSource
	sink     replaySink
}

func (d dependencies) close() error {
	var errs []error
	if d.sink != nil {
		errs = append(errs, d.sink.Close())
	}
	if d.consumer != nil {
		errs = append(errs, d.consumer.Close())
	}
	if d.offsets != nil {
		errs = append(errs, d.offsets.Close())
	}
	return errors.Join(errs...)
}

var openDependencies = func(cfg config) (dependencies, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.ClientID = version.ClientID("dlq-reprocess")
	saramaCfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, saramaCfg)
	if err != nil {
		return dependencies{}, fmt.Errorf("create kafka client: %w", err)
	}
	rawConsumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return dependencies{}, fmt.Errorf("create kafka consumer: %w", err)
	}
	deps := dependencies{offsets: client, consumer: saramaConsumerAdapter{consumer: rawConsumer}}
	if !cfg.execute {
		return deps, nil
	}

	producer, err := kafka.NewProducer(cfg.brokers, version.ClientID("dlq-reprocess"))
	if err != nil {
		return dependencies{}, errors.Join(err, deps.close())
	}
	deps.sink = producer
	return deps, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := parseConfig(os.Args[1:], os.Getenv)
	if err != nil {
		log.WithError(err).Fatal("invalid arguments")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	report, err := run(ctx, cfg)
	stop()
	if err != nil {
		log.WithError(err).Fatal("dlq replay failed")
	}
	report.print(os.Stdout, cfg.mode())
}

func parseConfig(args []string, lookupEnv func(string) string) (config, error) {
	var (
		brokersRaw string
		cfg        config
	)
	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: "+brokersEnv+")")
	fs.StringVar(&cfg.sourceTopic, "source-topic", domain.DefaultDeadLetterTopicName, "DLQ source topic")
	fs.StringVar(&cfg.targetTopic, "target-topic", "", "override replay topic; default is the original topic")
	fs.StringVar(&cfg.group, "group", "", "replay only letters of this consumer group")
	fs.DurationVar(&cfg.since, "since", 0, "replay only letters failed within this window (0=any age)")
	fs.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max number of messages to scan")
	fs.IntVar(&cfg.batchSize, "batch", defaultBatchSize, "messages per producer call in execute mode")
	fs.BoolVar(&cfg.execute, "execute", false, "execute replay; default is dry-run")
	fs.BoolVar(&cfg.fromNewest, "from-newest", false, "scan latest messages first (bounded by limit)")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = lookupEnv(brokersEnv)
	}
	cfg.brokers = parseBrokers(brokersRaw)
	cfg.sourceTopic = strings.TrimSpace(cfg.sourceTopic)
	cfg.targetTopic = strings.TrimSpace(cfg.targetTopic)
	cfg.group = strings.TrimSpace(cfg.group)

	switch {
	case len(cfg.brokers) == 0:
		return config{}, fmt.Errorf("kafka brokers are required (-brokers or %s)", brokersEnv)
	case cfg.sourceTopic == "":
		return config{}, errors.New("source-topic is required")
	case cfg.limit <= 0:
		return config{}, errors.New("limit must be > 0")
	case cfg.batchSize <= 0:
		return config{}, errors.New("batch must be > 0")
	case cfg.idleTimeout <= 0:
		return config{}, errors.New("idle-timeout must be > 0")
	case cfg.since < 0:
		return config{}, errors.New("since must be >= 0")
	}
	return cfg, nil
}

func parseBrokers(raw string) []string {
	var brokers []string
	for _, chunk := range strings.Split(raw, ",") {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

func run(ctx context.Context, cfg config) (replayReport, error) {
	logger := log.WithFields(log.Fields{
		"source_topic": cfg.sourceTopic,
		"target_topic": cfg.targetTopic,
		"group":        cfg.group,
		"since":        cfg.since,
		"limit":        cfg.limit,
		"mode":         cfg.mode(),
	})
	logger.Info("starting dlq replay")

	deps, err := openDependencies(cfg)
	if err != nil {
		return replayReport{}, err
	}
	defer func() {
		if closeErr := deps.close(); closeErr != nil {
			logger.WithError(closeErr).Warn("close kafka clients")
		}
	}()

	r, err := newReplayer(cfg, deps, logger)
	if err != nil {
		return replayReport{}, err
	}
	return r.run(ctx)
}

// replayReport — итог прогона: сколько записей просмотрено, переотправлено и почему пропущено.
type replayReport struct {
	scanned  int
	replayed int
	skipped  map[string]int
	byTopic  map[string]int
}

func newReplayReport() replayReport {
	return replayReport{skipped: map[string]int{}, byTopic: map[string]int{}}
}

func (r *replayReport) merge(other replayReport) {
	r.scanned += other.scanned
	r.replayed += other.replayed
	for reason, n := range other.skipped {
		r.skipped[reason] += n
	}
	for topic, n := range other.byTopic {
		r.byTopic[topic] += n
	}
}

func (r replayReport) totalSkipped() int {
	total := 0
	for _, n := range r.skipped {
		total += n
	}
	return total
}

func (r replayReport) print(w io.Writer, mode string) {
	_, _ = fmt.Fprintf(w, "mode=%s scanned=%d replayed=%d skipped=%d\n", mode, r.scanned, r.replayed, r.totalSkipped())
	for _, topic := range sortedKeys(r.byTopic) {
		_, _ = fmt.Fprintf(w, "  topic %-40s %d\n", topic, r.byTopic[topic])
	}
	for _, reason := range sortedKeys(r.skipped) {
		_, _ = fmt.Fprintf(w, "  skip  %-40s %d\n", reason, r.skipped[reason])
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type replayer struct {
	cfg    config
	deps   dependencies
	logger *log.Entry
	now    func() time.Time
}

func newReplayer(cfg config, deps dependencies, logger *log.Entry) (*replayer, error) {
	if deps.offsets == nil || deps.consumer == nil {
		return nil, errors.New("kafka client and consumer are required")
	}
	if cfg.execute && deps.sink == nil {
		return nil, errors.New("producer is required in execute mode")
	}
	if cfg.batchSize <= 0 {
		cfg.batchSize = defaultBatchSize
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &replayer{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (r *replayer) run(ctx context.Context) (replayReport, error) {
	report := newReplayReport()

	partitions, err := r.deps.offsets.Partitions(r.cfg.sourceTopic)
	if err != nil {
		return report, fmt.Errorf("get partitions for topic %s: %w", r.cfg.sourceTopic, err)
	}
	if len(partitions) == 0 {
		r.logger.Warn("source topic has no partitions")
		return report, nil
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, partition := range partitions {
		remaining := r.cfg.limit - report.scanned
		if remaining <= 0 {
			break
		}
		part, err := r.scanPartition(ctx, partition, remaining)
		report.merge(part)
		if err != nil {
			return report, err
		}
	}

	r.logger.WithFields(log.Fields{
		"scanned":  report.scanned,
		"replayed": report.replayed,
		"skipped":  report.totalSkipped(),
	}).Info("dlq replay finished")
	return report, nil
}

// window возвращает диапазон офсетов [start, end) для просмотра партиции.
func (r *replayer) window(partition int32, limit int) (start, end int64, err error) {
	oldest, err := r.deps.offsets.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return 0, 0, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := r.deps.offsets.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return 0, 0, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	start = oldest
	if r.cfg.fromNewest {
		start = max(newest-int64(limit), oldest)
	}
	return start, newest, nil
}

func (r *replayer) scanPartition(ctx context.Context, partition int32, limit int) (replayReport, error) {
	report := newReplayReport()

	start, end, err := r.window(partition, limit)
	if err != nil || end <= start {
		return report, err
	}

	pc, err := r.deps.consumer.ConsumePartition(r.cfg.sourceTopic, partition, start)
	if err != nil {
		return report, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	var pending []domain.BrokerMessage
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if r.cfg.execute {
			if err := r.deps.sink.Send(ctx, pending); err != nil {
				return fmt.Errorf("publish replay batch of partition %d: %w", partition, err)
			}
		}
		for _, msg := range pending {
			report.byTopic[msg.Topic]++
		}
		report.replayed += len(pending)
		pending = pending[:0]
		return nil
	}

	idle := time.NewTimer(r.cfg.idleTimeout)
	defer idle.Stop()

	consumeErrs := pc.Errors()

	for report.scanned < limit {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		case <-idle.C:
			return report, flush()
		case consumeErr, ok := <-consumeErrs:
			if !ok {
				consumeErrs = nil
				continue
			}
			if consumeErr != nil {
				return report, fmt.Errorf("partition %d consumer error: %w", partition, consumeErr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= end {
				return report, flush()
			}
			idle.Reset(r.cfg.idleTimeout)
			report.scanned++

			replay, reason := r.candidate(msg)
			if reason != "" {
				report.skipped[reason]++
			} else {
				pending = append(pending, replay)
				if len(pending) >= r.cfg.batchSize {
					if err := flush(); err != nil {
						return report, err
					}
				}
			}

			if msg.Offset+1 >= end {
				return report, flush()
			}
		}
	}
	return report, flush()
}

// candidate восстанавливает исходное сообщение из записи DLQ или называет причину пропуска.
// Заголовок eventId сохраняется, чтобы группы, уже обработавшие событие, отбросили повтор как дубликат.
func (r *replayer) candidate(msg *sarama.ConsumerMessage) (domain.BrokerMessage, string) {
	entry := r.logger.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

	letter, err := kafka.DecodeDeadLetterMessage(msg.Value)
	if err == nil && len(letter.OriginalValue) == 0 {
		err = fmt.Errorf("dead letter %q has empty original value", letter.ID)
	}
	if err != nil {
		entry.WithError(err).Warn("skip unsupported dlq message")
		return domain.BrokerMessage{}, skipUndecodable
	}
	if r.cfg.group != "" && letter.ConsumerGroup != r.cfg.group {
		return domain.BrokerMessage{}, skipOtherGroup
	}
	now := r.now()
	if r.cfg.since > 0 && !letter.FailedAt.IsZero() && letter.FailedAt.Before(now.Add(-r.cfg.since)) {
		return domain.BrokerMessage{}, skipTooOld
	}

	topic := letter.OriginalTopic
	if r.cfg.targetTopic != "" {
		topic = r.cfg.targetTopic
	}
	headers := map[string]string{kafka.HeaderReplayedAt: now.Format(time.RFC3339Nano)}
	if letter.EventID != "" {
		headers[domain.HeaderEventID] = letter.EventID
	}
	if !r.cfg.execute {
		entry.WithFields(log.Fields{
			"target_topic": topic,
			"key":          letter.OriginalKey,
			"attempts":     letter.Attempts,
		}).Info("dlq replay candidate")
	}
	return domain.BrokerMessage{
		Topic:   topic,
		Key:     letter.OriginalKey,
		Value:   letter.OriginalValue,
		Headers: headers,
	}, ""
}
