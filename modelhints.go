package colony

// modelMemoryHintsMB maps known model names to a recommended memory
// footprint in megabytes. Data, not code: new models get a row here.
var modelMemoryHintsMB = map[string]int64{
	"llama3.1":       4500,
	"llama3.1:8b":    4500,
	"llama3.1:70b":   40000,
	"qwen2.5":        4500,
	"qwen2.5:7b":     4500,
	"qwen2.5:14b":    9000,
	"qwen2.5:32b":    19000,
	"mistral":        4100,
	"mistral:7b":     4100,
	"mixtral:8x7b":   26000,
	"phi3":           2200,
	"phi3:mini":      2200,
	"gemma2:9b":      5500,
	"gemma2:27b":     16000,
	"codellama:13b":  7500,
	"deepseek-r1:7b": 4500,
}

// defaultModelMemoryHintMB is used for an unrecognized model name; chosen
// conservatively so an unknown model does not let the autoscaler over-commit.
const defaultModelMemoryHintMB int64 = 8000

// ModelMemoryHintMB returns the recommended memory footprint for model, or
// the conservative default if the model is unrecognized.
func ModelMemoryHintMB(model string) int64 {
	if mb, ok := modelMemoryHintsMB[model]; ok {
		return mb
	}
	return defaultModelMemoryHintMB
}

// MaxWorkersForMemory computes the theoretical maximum worker count per
// §4.6: floor((free - buffer) * (1 - safetyMargin) / recommendedMB).
// Returns 0 if free memory does not cover the buffer.
func MaxWorkersForMemory(freeMB, bufferMB int64, safetyMargin float64, recommendedMB int64) int {
	usable := freeMB - bufferMB
	if usable <= 0 || recommendedMB <= 0 {
		return 0
	}
	available := float64(usable) * (1 - safetyMargin)
	return int(available / float64(recommendedMB))
}
