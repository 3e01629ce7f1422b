// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

package validate_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/IATI/refresher/pipeline/pipelinetest"
	"github.com/IATI/refresher/pipeline/validate"
)

type fakeNotifier struct {
	notified []string
	fail     bool
}

func (f *fakeNotifier) NewBlackFlag(ctx context.Context, publisherID, reason string) error {
	if f.fail {
		return context.DeadlineExceeded
	}
	f.notified = append(f.notified, publisherID)
	return nil
}

func TestSafety_FlagAndNotify(t *testing.T) {
	ctx := context.Background()

	db := pipelinetest.NewDB()
	db.AddPub(&pipelinetest.Pub{OrgID: "pub-bad", Name: "bad"})
	invalid := false
	for i := 0; i < 3; i++ {
		downloaded := time.Now().Add(-30 * time.Minute)
		db.AddDoc(&pipelinetest.Doc{
			ID:              string(rune('a' + i)),
			Hash:            "h",
			PublisherID:     "pub-bad",
			Downloaded:      &downloaded,
			FileSchemaValid: &invalid,
		})
	}

	notifier := &fakeNotifier{}
	safety, err := validate.NewSafety(zaptest.NewLogger(t), db, "", notifier, nil, 2, 2*time.Hour)
	require.NoError(t, err)

	require.NoError(t, safety.RunOnce(ctx))

	pub := db.Pubs["pub-bad"]
	require.NotNil(t, pub.BlackFlag)
	require.True(t, pub.BlackFlagNotified)
	require.Equal(t, []string{"pub-bad"}, notifier.notified)
}

func TestSafety_NotifyFailureLeavesUnnotified(t *testing.T) {
	ctx := context.Background()

	db := pipelinetest.NewDB()
	flagged := time.Now()
	db.AddPub(&pipelinetest.Pub{OrgID: "pub-bad", Name: "bad", BlackFlag: &flagged})

	notifier := &fakeNotifier{fail: true}
	safety, err := validate.NewSafety(zaptest.NewLogger(t), db, "", notifier, nil, 100, 2*time.Hour)
	require.NoError(t, err)

	require.NoError(t, safety.RunOnce(ctx))
	require.False(t, db.Pubs["pub-bad"].BlackFlagNotified)
}

func TestSafety_DrainsRemoveQueue(t *testing.T) {
	ctx := context.Background()

	redis := miniredis.RunT(t)
	_, err := redis.Lpush(validate.RemoveQueue, "pub-2")
	require.NoError(t, err)
	_, err = redis.Lpush(validate.RemoveQueue, "pub-1")
	require.NoError(t, err)

	db := pipelinetest.NewDB()
	flagged := time.Now()
	db.AddPub(&pipelinetest.Pub{OrgID: "pub-1", Name: "one", BlackFlag: &flagged, BlackFlagNotified: true})
	db.AddPub(&pipelinetest.Pub{OrgID: "pub-2", Name: "two", BlackFlag: &flagged, BlackFlagNotified: true})
	invalid := false
	downloaded := time.Now()
	db.AddDoc(&pipelinetest.Doc{
		ID: "doc-1", Hash: "h", PublisherID: "pub-1",
		Downloaded: &downloaded, FileSchemaValid: &invalid,
	})

	notifier := &fakeNotifier{}
	safety, err := validate.NewSafety(zaptest.NewLogger(t), db, "redis://"+redis.Addr(), notifier, nil, 100, 2*time.Hour)
	require.NoError(t, err)

	require.NoError(t, safety.RunOnce(ctx))

	require.Nil(t, db.Pubs["pub-1"].BlackFlag)
	require.Nil(t, db.Pubs["pub-2"].BlackFlag)
	// lifting the flag forces fresh validation reports
	require.True(t, db.Docs["doc-1"].RegenerateReport)
	require.Nil(t, db.Docs["doc-1"].FileSchemaValid)

	// queue is empty afterwards
	items, err := redis.List(validate.RemoveQueue)
	require.Error(t, err)
	require.Empty(t, items)
}
