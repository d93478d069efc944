package stages

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var stageRunsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "chronicler_stage_runs_total",
	Help: "counter of stage handler runs, by stage and outcome",
}, []string{"stage", "outcome"})

var itemsScrapedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "chronicler_items_scraped_total",
	Help: "counter of raw items upserted by the scrape stage, by method",
}, []string{"method"})

var classifiedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "chronicler_classified_total",
	Help: "counter of classifications persisted, by verdict",
}, []string{"relevant"})

var draftsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "chronicler_drafts_total",
	Help: "counter of draft messages persisted",
})

var dispatchCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "chronicler_dispatch_total",
	Help: "counter of dispatch attempts, by status",
}, []string{"status"})
