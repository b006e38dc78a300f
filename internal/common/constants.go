package common

// Class labels
const (
	LabelHC = 0
	LabelPD = 1
)

// LabelNames maps encoded class labels to their display names.
var LabelNames = map[int]string{
	LabelHC: "HC",
	LabelPD: "PD",
}

// LabelMap maps the lowercase class token found in recording names to its label.
var LabelMap = map[string]int{
	"hc": LabelHC,
	"pd": LabelPD,
}

// Feature table metadata columns
const (
	ColSubjectID = "subject_id"
	ColLabel     = "label"
	ColTask      = "task"
	ColFilename  = "filename"
)

// MetadataColumns lists the non-feature columns of an extracted feature table in file order.
var MetadataColumns = []string{ColSubjectID, ColLabel, ColTask, ColFilename}

// Speech tasks
const (
	TaskReadText            = "ReadText"
	TaskSpontaneousDialogue = "SpontaneousDialogue"
)

// Feature sets
const (
	FeatureSetBaseline = "baseline"
	FeatureSetExtended = "extended"

	BaselineFeatureCount = 47
	ExtendedFeatureCount = 78
)

// Model names
const (
	ModelLogisticRegression = "LogisticRegression"
	ModelSVMRBF             = "SVM_RBF"
	ModelRandomForest       = "RandomForest"
)

// Environment variable keys
const (
	EnvConfigFile          = "CONFIG_FILE"
	EnvOutputsDir          = "OUTPUTS_DIR"
	EnvFeaturesDir         = "FEATURES_DIR"
	EnvModelsDir           = "MODELS_DIR"
	EnvDataPath            = "DATA_PATH"
	EnvMDVRDir             = "MDVR_KCL_DIR"
	EnvPDSpeechCSV         = "PD_SPEECH_CSV"
	EnvFeatureSet          = "FEATURE_SET"
	EnvRandomSeed          = "RANDOM_SEED"
	EnvNFolds              = "N_FOLDS"
	EnvClassWeight         = "CLASS_WEIGHT_BALANCED"
	EnvPermutationRepeats  = "PERMUTATION_REPEATS"
	EnvPermutationScoring  = "PERMUTATION_SCORING"
	EnvTopN                = "TOP_N"
	EnvJobs                = "JOBS"
	EnvExtractorURL        = "EXTRACTOR_URL"
	EnvExtractorTimeout    = "EXTRACTOR_TIMEOUT"
	EnvInferenceModel      = "INFERENCE_MODEL"
	EnvInferenceTask       = "INFERENCE_TASK"
	EnvInferenceFeatureSet = "INFERENCE_FEATURE_SET"
	EnvMetricsPort         = "METRICS_PORT"
)

// Configuration defaults
const (
	DefaultOutputsDir         = "outputs"
	DefaultFeaturesDir        = "outputs/features"
	DefaultModelsDir          = "outputs/models"
	DefaultDataPath           = "outputs/db"
	DefaultMDVRDir            = "assets/DATASET_MDVR_KCL"
	DefaultPDSpeechCSV        = "assets/PD_SPEECH_FEATURES.csv"
	DefaultRandomSeed         = 42
	DefaultNFolds             = 5
	DefaultPermutationRepeats = 10
	DefaultPermutationScoring = "accuracy"
	DefaultTopN               = 20
	DefaultExtractorURL       = "http://127.0.0.1:8090"
	DefaultMetricsPort        = 8080
	ArtifactVersion           = "1.0.0"
)

// Validation constants
const (
	MinFolds          = 2
	MaxFolds          = 20
	MaxPermutationRep = 1000
	MaxJobs           = 64
	MinMetricsPort    = 1024
	MaxMetricsPort    = 65535
)
