package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cliu238/vacalibration"
	"github.com/cliu238/vacalibration/batch"
	"github.com/cliu238/vacalibration/id"
)

// PutBatch replaces the batch Hash and refreshes its TTL.
func (s *Store) PutBatch(ctx context.Context, b *batch.Batch) error {
	key := s.keys.batch(b.ID.String())

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, batchToMap(b))
	pipe.PExpire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("put batch", err)
	}
	return nil
}

// GetBatch retrieves a batch by ID.
func (s *Store) GetBatch(ctx context.Context, batchID id.BatchID) (*batch.Batch, error) {
	vals, err := s.client.HGetAll(ctx, s.keys.batch(batchID.String())).Result()
	if err != nil {
		return nil, unavailable("get batch", err)
	}
	if len(vals) == 0 {
		return nil, vacalibration.ErrBatchNotFound
	}
	return mapToBatch(vals)
}

// DeleteBatch removes a batch. Member jobs are left alone.
func (s *Store) DeleteBatch(ctx context.Context, batchID id.BatchID) (bool, error) {
	n, err := s.client.Del(ctx, s.keys.batch(batchID.String())).Result()
	if err != nil {
		return false, unavailable("delete batch", err)
	}
	return n > 0, nil
}

func batchToMap(b *batch.Batch) map[string]interface{} {
	return map[string]interface{}{
		"id":             b.ID.String(),
		"name":           b.Name,
		"job_ids":        marshalJSON(b.JobIDs),
		"parallel_limit": strconv.Itoa(b.ParallelLimit),
		"fail_fast":      strconv.FormatBool(b.FailFast),
		"owner":          b.Owner,
		"created_at":     formatTime(b.CreatedAt),
		"updated_at":     formatTime(b.UpdatedAt),
	}
}

func mapToBatch(m map[string]string) (*batch.Batch, error) {
	bID, err := id.ParseBatchID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("vacalibration/redis: parse batch id: %w", err)
	}

	var jobIDs []id.JobID
	if err := json.Unmarshal([]byte(m["job_ids"]), &jobIDs); err != nil {
		return nil, fmt.Errorf("vacalibration/redis: parse batch members: %w", err)
	}
	limit, _ := strconv.Atoi(m["parallel_limit"])    //nolint:errcheck // best-effort parse from trusted Redis data
	failFast, _ := strconv.ParseBool(m["fail_fast"]) //nolint:errcheck // best-effort parse from trusted Redis data

	return &batch.Batch{
		Entity: vacalibration.Entity{
			CreatedAt: parseTime(m["created_at"]),
			UpdatedAt: parseTime(m["updated_at"]),
		},
		ID:            bID,
		Name:          m["name"],
		JobIDs:        jobIDs,
		ParallelLimit: limit,
		FailFast:      failFast,
		Owner:         m["owner"],
	}, nil
}
