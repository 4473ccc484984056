package metrics

import (
	"time"

	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalTokens atomic.Int64

var (
	// ===== Pipeline Metrics =====

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_stage_duration_seconds",
		Help:    "Duration of pipeline stages",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	PipelineErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_errors_total",
		Help: "Total number of pipeline stage failures",
	}, []string{"stage"})

	// ===== Model Metrics =====

	ModelLoadDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "model_load_duration_seconds",
		Help: "Duration of model resolution and loading",
	})

	ModelParameters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "model_parameters",
		Help: "Parameter count of the loaded model",
	})

	ModelTensors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "model_tensors",
		Help: "Tensor count of the loaded model",
	})

	ModelBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "model_bytes_on_disk",
		Help: "On-disk size of the loaded model in bytes",
	})

	HubDownloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fletcher_hub_downloads_total",
		Help: "Total number of files fetched from the model hub",
	}, []string{"file"})

	// ===== Tokenizer Metrics =====

	TokensEncodedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokenizer_tokens_encoded_total",
		Help: "The total number of tokens produced by encoding",
	})

	TokenizerEncodeTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tokenizer_encode_time_seconds",
		Help:    "Time to encode text",
		Buckets: prometheus.DefBuckets,
	})

	// ===== Dataset Metrics =====

	DatasetExamples = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dataset_examples",
		Help: "Number of examples in the active dataset",
	})

	DatasetLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dataset_loads_total",
		Help: "Total number of dataset loads by source",
	}, []string{"source"})

	// ===== Fine-tune Metrics =====

	FinetuneSteps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "finetune_steps_total",
		Help: "Total number of simulated fine-tuning steps",
	})

	FinetuneLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "finetune_loss",
		Help: "Most recent simulated training loss",
	})

	FinetuneStepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "finetune_step_duration_seconds",
		Help:    "Duration of simulated fine-tuning steps",
		Buckets: prometheus.DefBuckets,
	})

	// ===== Quantization Metrics =====

	TensorsQuantized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fletcher_tensors_quantized_total",
		Help: "Total number of tensors re-encoded, by target type",
	}, []string{"type"})

	QuantizeBytesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fletcher_quantize_bytes_in_total",
		Help: "Total source bytes fed to the quantizer",
	})

	QuantizeBytesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fletcher_quantize_bytes_out_total",
		Help: "Total bytes produced by the quantizer",
	})

	// ===== Export Metrics =====

	ExportPlanTensors = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fletcher_export_plan_tensors",
		Help: "Tensors in the export plan, by planned action",
	}, []string{"action"})

	ArtifactBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fletcher_export_artifact_bytes",
		Help: "Size of the written export artifact in bytes",
	})
)

// TokensEncoded reports the running token count without going through
// the Prometheus registry, for callers that embed it in their own
// status output.
func TokensEncoded() int64 {
	return totalTokens.Load()
}

func RecordStage(stage string, duration time.Duration) {
	StageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

func RecordStageError(stage string) {
	PipelineErrors.WithLabelValues(stage).Inc()
}

func RecordModelLoad(parameters int64, tensors int, bytes int64, duration time.Duration) {
	ModelParameters.Set(float64(parameters))
	ModelTensors.Set(float64(tensors))
	ModelBytes.Set(float64(bytes))
	ModelLoadDuration.Observe(duration.Seconds())
}

func RecordHubDownload(file string) {
	HubDownloads.WithLabelValues(file).Inc()
}

func RecordTokenize(tokens int, duration time.Duration) {
	TokensEncodedTotal.Add(float64(tokens))
	totalTokens.Add(int64(tokens))
	TokenizerEncodeTime.Observe(duration.Seconds())
}

func RecordDataset(source string, examples int) {
	DatasetLoads.WithLabelValues(source).Inc()
	DatasetExamples.Set(float64(examples))
}

func RecordFinetuneStep(loss float64, duration time.Duration) {
	FinetuneSteps.Inc()
	FinetuneLoss.Set(loss)
	FinetuneStepDuration.Observe(duration.Seconds())
}

func RecordQuantizedTensor(targetType string, bytesIn, bytesOut int64) {
	TensorsQuantized.WithLabelValues(targetType).Inc()
	QuantizeBytesIn.Add(float64(bytesIn))
	QuantizeBytesOut.Add(float64(bytesOut))
}

func RecordExportPlan(quantized, kept int) {
	ExportPlanTensors.WithLabelValues("quantize").Set(float64(quantized))
	ExportPlanTensors.WithLabelValues("keep").Set(float64(kept))
}

func RecordArtifact(bytes int64) {
	ArtifactBytes.Set(float64(bytes))
}
