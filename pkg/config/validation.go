package config

import (
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterStructValidation(validateBackend, BackendConfig{})
	})
	return validate
}

// Validate checks struct tags and the per-backend requirements.
func Validate(cfg *Config) error {
	return getValidator().Struct(cfg)
}

// validateBackend requires the settings the selected backend type needs.
func validateBackend(sl validator.StructLevel) {
	b := sl.Current().Interface().(BackendConfig)
	switch b.Type {
	case "fs":
		if b.FS.Root == "" {
			sl.ReportError(b.FS.Root, "FS.Root", "Root", "required_for_fs", "")
		}
	case "s3":
		if b.S3.Bucket == "" {
			sl.ReportError(b.S3.Bucket, "S3.Bucket", "Bucket", "required_for_s3", "")
		}
	case "badger":
		if b.Badger.Dir == "" && !b.Badger.InMemory {
			sl.ReportError(b.Badger.Dir, "Badger.Dir", "Dir", "required_for_badger", "")
		}
	}
}
