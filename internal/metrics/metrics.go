package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters for the run's protocol activity, exposed on the status endpoint.
var (
	AssociationsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pacsfetch_associations_opened_total",
		Help: "Outbound associations successfully negotiated",
	})

	AssociationsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pacsfetch_associations_accepted_total",
		Help: "Inbound storage associations accepted",
	})

	QueryMatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pacsfetch_query_matches_total",
		Help: "Study matches returned by the find step",
	})

	RetrievalOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pacsfetch_retrievals_total",
		Help: "Retrieval jobs by terminal outcome",
	}, []string{"outcome"})

	ImagesStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pacsfetch_images_stored_total",
		Help: "Instances written to the output tree",
	})

	ImagesRefused = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pacsfetch_images_refused_total",
		Help: "Inbound stores refused because the image cap was reached",
	})

	StoreFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pacsfetch_store_failures_total",
		Help: "Inbound stores that failed to persist",
	})

	BytesStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pacsfetch_stored_bytes_total",
		Help: "Total dataset bytes written to disk",
	})
)
