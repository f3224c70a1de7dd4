package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// AnomalyState is the alert state of a region
type AnomalyState struct {
	Status        string    `json:"status"` // CLEAR, ANOMALOUS
	Since         time.Time `json:"since"`
	LastDate      time.Time `json:"last_date"`
	AnomalyDegree float64   `json:"anomaly_degree"`
	LastChecked   time.Time `json:"last_checked"`
}

const (
	StateClear     = "CLEAR"
	StateAnomalous = "ANOMALOUS"
)

const keyPrefix = "anomaly_state:"

// stateTTL lets a region that stopped reporting fall back to CLEAR
const stateTTL = 30 * 24 * time.Hour

// StateManager keeps region alert states in Redis
type StateManager struct {
	redis *redis.Client
}

func NewStateManager(redisClient *redis.Client) *StateManager {
	return &StateManager{redis: redisClient}
}

// GetState returns the state of a region, CLEAR when none is stored
func (sm *StateManager) GetState(ctx context.Context, regionCode string) (*AnomalyState, error) {
	data, err := sm.redis.Get(ctx, keyPrefix+regionCode).Result()
	if err == redis.Nil {
		return &AnomalyState{Status: StateClear}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state from Redis: %w", err)
	}

	var state AnomalyState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &state, nil
}

func (sm *StateManager) SetState(ctx context.Context, regionCode string, state *AnomalyState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := sm.redis.Set(ctx, keyPrefix+regionCode, data, stateTTL).Err(); err != nil {
		return fmt.Errorf("failed to set state in Redis: %w", err)
	}
	return nil
}

// DeleteState returns a region to CLEAR
func (sm *StateManager) DeleteState(ctx context.Context, regionCode string) error {
	return sm.redis.Del(ctx, keyPrefix+regionCode).Err()
}

// ActiveStates returns the states of every region currently anomalous,
// keyed by region code
func (sm *StateManager) ActiveStates(ctx context.Context) (map[string]*AnomalyState, error) {
	states := make(map[string]*AnomalyState)

	iter := sm.redis.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := sm.redis.Get(ctx, key).Result()
		if err != nil {
			continue
		}

		var state AnomalyState
		if err := json.Unmarshal([]byte(data), &state); err != nil {
			continue
		}
		states[strings.TrimPrefix(key, keyPrefix)] = &state
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan states: %w", err)
	}

	return states, nil
}
