package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJob_MergeImages(t *testing.T) {
	job := &Job{}
	assert.Equal(t, 0, job.NextBatch())

	job.MergeImages([]UpscaledItem{{Batch: 0, Seed: 3, URL: "a"}, {Batch: 1, Seed: 9, URL: "b"}})
	assert.Equal(t, 2, job.NextBatch())

	// a later attempt reports only the batches it produced
	job.MergeImages([]UpscaledItem{{Batch: 3, Seed: 5, URL: "d"}, {Batch: 2, Seed: 4, URL: "c"}})
	assert.Equal(t, []UpscaledItem{
		{Batch: 0, Seed: 3, URL: "a"},
		{Batch: 1, Seed: 9, URL: "b"},
		{Batch: 2, Seed: 4, URL: "c"},
		{Batch: 3, Seed: 5, URL: "d"},
	}, job.Images)
	assert.Equal(t, 4, job.NextBatch())

	job.MergeImages([]UpscaledItem{{Batch: 1, Seed: 9, URL: "b2"}})
	assert.Len(t, job.Images, 4)
	assert.Equal(t, "b2", job.Images[1].URL)
}

func TestJob_NextBatchStopsAtGap(t *testing.T) {
	job := &Job{Images: []UpscaledItem{{Batch: 0}, {Batch: 2}}}
	assert.Equal(t, 1, job.NextBatch())
}
