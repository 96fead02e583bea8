package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"bloodnet.org/internal/matching"
)

const failurePrefix = "failure_"

// ErrNotQueued is returned by Get for a match with no pending failure.
var ErrNotQueued = errors.New("no pending notification failure")

// Outbox keeps failed notifications in LevelDB, one JSON value per match,
// until a later delivery succeeds.
type Outbox struct {
	db *leveldb.DB
}

var _ matching.FailureRecorder = (*Outbox)(nil)

// OpenOutbox opens or creates the outbox at path.
func OpenOutbox(path string) (*Outbox, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	return &Outbox{db: db}, nil
}

func (o *Outbox) Close() error { return o.db.Close() }

func failureKey(matchID string) []byte { return []byte(failurePrefix + matchID) }

// RecordFailure stores f, replacing an older entry for the same match.
func (o *Outbox) RecordFailure(_ context.Context, f matching.NotificationFailure) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return o.db.Put(failureKey(f.MatchID), data, nil)
}

// Resolve drops the entry for matchID. A missing entry is not an error.
func (o *Outbox) Resolve(_ context.Context, matchID string) error {
	return o.db.Delete(failureKey(matchID), nil)
}

// Get returns the pending failure for matchID.
func (o *Outbox) Get(_ context.Context, matchID string) (matching.NotificationFailure, error) {
	data, err := o.db.Get(failureKey(matchID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return matching.NotificationFailure{}, ErrNotQueued
	}
	if err != nil {
		return matching.NotificationFailure{}, err
	}
	var f matching.NotificationFailure
	if err := json.Unmarshal(data, &f); err != nil {
		return matching.NotificationFailure{}, fmt.Errorf("decode %s: %w", matchID, err)
	}
	return f, nil
}

// List returns pending failures, oldest first.
func (o *Outbox) List(_ context.Context) ([]matching.NotificationFailure, error) {
	iter := o.db.NewIterator(util.BytesPrefix([]byte(failurePrefix)), nil)
	defer iter.Release()

	var out []matching.NotificationFailure
	for iter.Next() {
		var f matching.NotificationFailure
		if err := json.Unmarshal(iter.Value(), &f); err != nil {
			return nil, fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		out = append(out, f)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	return out, nil
}

// DrainResult summarises one pass over the outbox.
type DrainResult struct {
	Attempted int      `json:"attempted"`
	Delivered int      `json:"delivered"`
	Stale     int      `json:"stale"`
	Failed    []string `json:"failed,omitempty"`
}

// Drain calls retry for every pending failure. Entries whose match no longer
// needs a notification (retry reports a lifecycle conflict) are dropped.
// Successful retries resolve their own entry through the recorder.
func (o *Outbox) Drain(ctx context.Context, retry func(ctx context.Context, matchID string) error) (DrainResult, error) {
	pending, err := o.List(ctx)
	if err != nil {
		return DrainResult{}, err
	}
	var res DrainResult
	for _, f := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Attempted++
		err := retry(ctx, f.MatchID)
		switch {
		case err == nil:
			res.Delivered++
		case errors.Is(err, matching.ErrConflict), errors.Is(err, matching.ErrNotFound):
			res.Stale++
			if rerr := o.Resolve(ctx, f.MatchID); rerr != nil {
				return res, rerr
			}
		default:
			res.Failed = append(res.Failed, f.MatchID)
		}
	}
	return res, nil
}
