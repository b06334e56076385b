package logstoreredis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/k11v/enclave/internal/logstore"
)

// Store keeps each service's lines in a Redis list and announces appends on a channel.
type Store struct {
	client *redis.Client // required
}

var _ logstore.Store = (*Store)(nil)

// NewClient connects to a redis:// URL.
func NewClient(connectionString string) (*redis.Client, error) {
	opts, err := redis.ParseURL(connectionString)
	if err != nil {
		return nil, fmt.Errorf("logstoreredis.NewClient: %w", err)
	}
	return redis.NewClient(opts), nil
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func listKey(enclaveUUID, serviceUUID uuid.UUID) string {
	return "logs:" + enclaveUUID.String() + ":" + serviceUUID.String()
}

func channelName(enclaveUUID, serviceUUID uuid.UUID) string {
	return "logs-appended:" + enclaveUUID.String() + ":" + serviceUUID.String()
}

func (s *Store) Append(ctx context.Context, line *logstore.Line) error {
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("append log line: %w", err)
	}
	n, err := s.client.RPush(ctx, listKey(line.EnclaveUUID, line.ServiceUUID), data).Result()
	if err != nil {
		return fmt.Errorf("append log line: %w", err)
	}
	if err = s.client.Publish(ctx, channelName(line.EnclaveUUID, line.ServiceUUID), n).Err(); err != nil {
		return fmt.Errorf("append log line: %w", err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, params *logstore.QueryParams) ([]*logstore.Line, error) {
	lines, err := s.lines(ctx, params, 0)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	return logstore.Tail(lines, params), nil
}

func (s *Store) Follow(ctx context.Context, params *logstore.QueryParams, fn func(*logstore.Line) error) error {
	sub := s.client.Subscribe(ctx, channelName(params.EnclaveUUID, params.ServiceUUID))
	defer func() {
		_ = sub.Close()
	}()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("follow logs: %w", err)
	}
	messages := sub.Channel()

	lines, err := s.lines(ctx, params, 0)
	if err != nil {
		return fmt.Errorf("follow logs: %w", err)
	}
	offset := int64(len(lines))
	for _, l := range logstore.Tail(lines, params) {
		if err = fn(l); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-messages:
			if !ok {
				return fmt.Errorf("follow logs: subscription closed")
			}
		}

		fresh, err := s.lines(ctx, params, offset)
		if err != nil {
			return fmt.Errorf("follow logs: %w", err)
		}
		offset += int64(len(fresh))
		for _, l := range fresh {
			if !params.Matcher.Match(l.Text) {
				continue
			}
			if err = fn(l); err != nil {
				return err
			}
		}
	}
}

// DeleteEnclave drops every line of an enclave.
func (s *Store) DeleteEnclave(ctx context.Context, enclaveUUID uuid.UUID) error {
	iter := s.client.Scan(ctx, 0, "logs:"+enclaveUUID.String()+":*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("delete enclave logs: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("delete enclave logs: %w", err)
	}
	return nil
}

func (s *Store) lines(ctx context.Context, params *logstore.QueryParams, from int64) ([]*logstore.Line, error) {
	raw, err := s.client.LRange(ctx, listKey(params.EnclaveUUID, params.ServiceUUID), from, -1).Result()
	if err != nil {
		return nil, err
	}
	lines := make([]*logstore.Line, 0, len(raw))
	for _, r := range raw {
		var l logstore.Line
		if err = json.Unmarshal([]byte(r), &l); err != nil {
			return nil, err
		}
		lines = append(lines, &l)
	}
	return lines, nil
}
