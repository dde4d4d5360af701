package config

import (
	"encoding/json"
	"os"

	"github.com/dkovalev/docvault/internal/flagx"
	"github.com/dkovalev/docvault/internal/timex"
)

// JsonConfig defines a configuration structure tailored for JSON
// unmarshalling. It uses timex.Duration for interval fields, which allows
// parsing both string values such as "30s" and integer nanoseconds.
//
// This struct is an intermediate DTO used only for reading JSON config
// files; its fields are copied into the runtime Config afterwards.
// Zero values mean "keep the current (default) value".
type JsonConfig struct {
	DatabaseDSN     string `json:"database_dsn"`
	LocalStorageDir string `json:"local_storage_dir"`

	MaxUploadSizeBytes int64    `json:"max_upload_size_bytes"`
	MaxFilesPerRequest int      `json:"max_files_per_request"`
	AllowedExtensions  []string `json:"allowed_extensions"`

	ImageOptimization *bool  `json:"image_optimization"`
	ImageMaxWidth     int    `json:"image_max_width"`
	ImageMaxHeight    int    `json:"image_max_height"`
	ImageFormat       string `json:"image_format"`
	ImageQuality      int    `json:"image_quality"`
	PreserveOriginal  *bool  `json:"preserve_original"`

	S3RootUser     string `json:"s3_root_user"`
	S3RootPassword string `json:"s3_root_password"`
	S3Bucket       string `json:"s3_bucket"`
	S3Region       string `json:"s3_region"`
	S3BaseEndpoint string `json:"s3_base_endpoint"`

	SyncInterval      timex.Duration `json:"sync_interval"`
	SyncBatchSize     int            `json:"sync_batch_size"`
	SyncMaxRetries    int            `json:"sync_max_retries"`
	SyncPriorityFirst *bool          `json:"sync_priority_first"`
	TransferTimeout   timex.Duration `json:"transfer_timeout"`
	BackoffBase       timex.Duration `json:"backoff_base"`
	BackoffCap        timex.Duration `json:"backoff_cap"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance. The file path comes from the -c/-config flags; when no
// flag is set, no file is loaded. Invalid files panic: a broken config is
// a deployment error, not a runtime condition.
func parseJson(config *Config) {

	jsonConfigFile := flagx.JsonConfigFlags()

	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	if err := json.Unmarshal(data, c); err != nil {
		panic(err)
	}

	applyJson(config, c)
}

func applyJson(config *Config, c *JsonConfig) {
	if c.DatabaseDSN != "" {
		config.DatabaseDSN = c.DatabaseDSN
	}
	if c.LocalStorageDir != "" {
		config.LocalStorageDir = c.LocalStorageDir
	}
	if c.MaxUploadSizeBytes > 0 {
		config.MaxUploadSizeBytes = c.MaxUploadSizeBytes
	}
	if c.MaxFilesPerRequest > 0 {
		config.MaxFilesPerRequest = c.MaxFilesPerRequest
	}
	if len(c.AllowedExtensions) > 0 {
		config.AllowedExtensions = c.AllowedExtensions
	}
	if c.ImageOptimization != nil {
		config.ImageOptimization = *c.ImageOptimization
	}
	if c.ImageMaxWidth > 0 {
		config.ImageMaxWidth = c.ImageMaxWidth
	}
	if c.ImageMaxHeight > 0 {
		config.ImageMaxHeight = c.ImageMaxHeight
	}
	if c.ImageFormat != "" {
		config.ImageFormat = c.ImageFormat
	}
	if c.ImageQuality > 0 {
		config.ImageQuality = c.ImageQuality
	}
	if c.PreserveOriginal != nil {
		config.PreserveOriginal = *c.PreserveOriginal
	}
	if c.S3RootUser != "" {
		config.S3RootUser = c.S3RootUser
	}
	if c.S3RootPassword != "" {
		config.S3RootPassword = c.S3RootPassword
	}
	if c.S3Bucket != "" {
		config.S3Bucket = c.S3Bucket
	}
	if c.S3Region != "" {
		config.S3Region = c.S3Region
	}
	if c.S3BaseEndpoint != "" {
		config.S3BaseEndpoint = c.S3BaseEndpoint
	}
	if c.SyncInterval > 0 {
		config.SyncInterval = c.SyncInterval.Std()
	}
	if c.SyncBatchSize > 0 {
		config.SyncBatchSize = c.SyncBatchSize
	}
	if c.SyncMaxRetries > 0 {
		config.SyncMaxRetries = c.SyncMaxRetries
	}
	if c.SyncPriorityFirst != nil {
		config.SyncPriorityFirst = *c.SyncPriorityFirst
	}
	if c.TransferTimeout > 0 {
		config.TransferTimeout = c.TransferTimeout.Std()
	}
	if c.BackoffBase > 0 {
		config.BackoffBase = c.BackoffBase.Std()
	}
	if c.BackoffCap > 0 {
		config.BackoffCap = c.BackoffCap.Std()
	}
}
