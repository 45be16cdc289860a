package config

const (
	defaultEpochs             = 100
	defaultBatchSize          = 32
	defaultLearningRate       = 1e-4
	defaultWeightDecay        = 1e-4
	defaultGradClip           = 10.0
	defaultValidationFraction = 0.2
	defaultSeed               = 42
	defaultImageSize          = 224
	defaultHiddenUnits        = 128
	defaultDropout            = 0.3
	defaultThreshold          = 0.5
	defaultCacheSize          = 256
	defaultPrefetch           = 2
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
)

// DefaultClasses is the label vocabulary used when none is configured.
var DefaultClasses = []string{
	"NORM", "Acute MI", "Old MI", "STTC", "CD", "HYP",
	"PAC", "PVC", "AFIB/AFL", "TACHY", "BRADY",
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Training: Training{
			Epochs:             defaultEpochs,
			BatchSize:          defaultBatchSize,
			LearningRate:       defaultLearningRate,
			WeightDecay:        defaultWeightDecay,
			GradClip:           defaultGradClip,
			ValidationFraction: defaultValidationFraction,
			Seed:               defaultSeed,
			Optimizer:          "adam",
			Momentum:           0.9,
		},
		Loss: Loss{
			Alpha: 1,
			Gamma: 2,
			Mode:  "softmax",
		},
		Metrics: Metrics{
			Averaging: "pooled",
		},
		Scheduler: Scheduler{
			Type:          "plateau",
			Factor:        0.1,
			Patience:      10,
			Threshold:     1e-4,
			ThresholdMode: "rel",
			StepSize:      30,
			Gamma:         0.1,
			TMax:          defaultEpochs,
		},
		Model: Model{
			ImageSize:    defaultImageSize,
			Backbone:     "smallcnn",
			ConvChannels: []int{16, 32, 64},
			HiddenUnits:  defaultHiddenUnits,
			Dropout:      defaultDropout,
		},
		Augment: Augment{
			FlipProb:        0.5,
			RotationDegrees: 10,
			Brightness:      0.1,
			Contrast:        0.1,
			Saturation:      0.1,
			Hue:             0.1,
			Mean:            []float64{0.485, 0.456, 0.406},
			Std:             []float64{0.229, 0.224, 0.225},
		},
		Inference: Inference{
			Threshold: defaultThreshold,
			Score:     "raw",
		},
		Runtime: Runtime{
			Device:    "cpu",
			CacheSize: defaultCacheSize,
			Prefetch:  defaultPrefetch,
		},
		Logging: Logging{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
		Outputs: Outputs{
			History:         true,
			MetricsTextfile: true,
			Plots:           true,
		},
		Classes: Classes{
			Names: append([]string(nil), DefaultClasses...),
		},
	}
}
