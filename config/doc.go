// Package config provides application configuration management.
//
// The config package loads the engine configuration from defaults, an
// optional YAML file and the environment. The environment names the
// service has always used (API_KEY, BASE_SESSION_PATH, BASE_IMAGE_NAME,
// REDIS_URL, S3_BUCKET_NAME and the AWS_* credentials) are bound
// explicitly; every other key can be set as PYEXEC_<SECTION>_<KEY>.
//
// Backend selection is derived from the presence of the optional keys:
// a Redis URL selects the distributed status backend and a bucket name
// selects the object store.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Status backend: %s\n", cfg.StatusBackend())
package config
