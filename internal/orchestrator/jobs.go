package orchestrator

import (
	"context"
	"time"

	"github.com/pitboss-dev/pitboss/internal/chain"
	"github.com/pitboss-dev/pitboss/internal/cron"
	"github.com/pitboss-dev/pitboss/internal/events"
)

// cronJobs assembles the background jobs for one run. Jobs whose
// collaborator is missing are left out entirely, whatever the config
// says.
func (o *Orchestrator) cronJobs() []cron.Job {
	var jobs []cron.Job

	if o.comments != nil {
		jobs = append(jobs, cron.Job{
			Name:     "mr_comment_poll",
			Enabled:  o.cronCfg.MRCommentPoll.Enabled,
			Interval: time.Duration(o.cronCfg.MRCommentPoll.IntervalSeconds) * time.Second,
			Execute:  o.pollComments,
		})
	}
	if o.chain != nil {
		jobs = append(jobs, cron.Job{
			Name:     "merge_chain_poll",
			Enabled:  o.cronCfg.MergeChainPoll.Enabled,
			Interval: time.Duration(o.cronCfg.MergeChainPoll.IntervalSeconds) * time.Second,
			Execute:  o.pollChains,
		})
	}
	if o.insights > 0 {
		jobs = append(jobs, cron.Job{
			Name:     "insights_threshold",
			Enabled:  o.cronCfg.InsightsThreshold.Enabled,
			Interval: time.Duration(o.cronCfg.InsightsThreshold.IntervalSeconds) * time.Second,
			Execute:  o.checkInsights,
		})
	}
	return jobs
}

// pollComments sweeps open review threads and routes stages with new
// human feedback back to the worker queue.
func (o *Orchestrator) pollComments(ctx context.Context) error {
	moved, err := o.comments.Poll(ctx)
	if moved > 0 {
		o.logger.Info("comment poll moved stages", "count", moved)
	}
	return err
}

// pollChains advances the merge chains and publishes one event per
// observation.
func (o *Orchestrator) pollChains(ctx context.Context) error {
	results, err := o.chain.Poll(ctx)
	for _, res := range results {
		o.events.ChainUpdate(res.ChildStageID, chainEventData(res))
	}
	return err
}

func chainEventData(res chain.Result) events.ChainData {
	return events.ChainData{
		ParentStageID: res.ParentStageID,
		Event:         res.Event,
		RebaseSpawned: res.RebaseSpawned,
		Retargeted:    res.Retargeted,
		Promoted:      res.Promoted,
	}
}

// checkInsights fires an insights announcement once enough stages
// completed since the last marker, then advances the marker so the
// announcement happens once per batch.
func (o *Orchestrator) checkInsights(ctx context.Context) error {
	completed, err := o.db.CompletedStageCount(ctx)
	if err != nil {
		return err
	}
	marker, err := o.db.LatestInsightMarker(ctx)
	if err != nil {
		return err
	}
	fresh := completed - marker
	if fresh < o.insights {
		return nil
	}
	if err := o.db.RecordInsightMarker(ctx, completed); err != nil {
		return err
	}
	o.logger.Info("insights threshold reached",
		"completed", completed, "since_last", fresh, "threshold", o.insights)
	o.events.InsightsDue(events.InsightsData{
		CompletedCount: fresh,
		Threshold:      o.insights,
	})
	return nil
}
