package petrel

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// OptionsFromEnv builds Options from PETREL_* environment variables,
// loading a .env file from the working directory first if one exists.
// Unset or unparsable variables keep their defaults.
func OptionsFromEnv() *Options {
	godotenv.Load()

	o := DefaultOptions()
	if v := os.Getenv("PETREL_DATA_DIR"); v != "" {
		o.DataDir = v
	}
	if v := os.Getenv("PETREL_WAL_DIR"); v != "" {
		o.WALDir = v
	}
	if v, ok := envInt64("PETREL_MEMTABLE_SIZE"); ok {
		o.MemTableSize = v
	}
	if v, ok := envInt("PETREL_BLOCK_SIZE"); ok {
		o.BlockSize = v
	}
	if v, ok := envFloat("PETREL_BLOOM_FPP"); ok {
		o.BloomFilterFPP = v
	}
	if v, ok := envInt("PETREL_CACHE_SHARDS"); ok {
		o.CacheShardCount = v
	}
	if v, ok := envInt("PETREL_CACHE_SHARD_CAPACITY"); ok {
		o.CacheShardCapacity = v
	}
	if v, ok := envBool("PETREL_WAL_SYNC_IMMEDIATE"); ok {
		o.WALSyncImmediate = v
	}
	if v, ok := envBool("PETREL_WAL_TRUNCATE"); ok {
		o.WALTruncateEnabled = v
	}
	if v, ok := envInt("PETREL_MAX_LEVEL"); ok {
		o.MaxLevel = v
	}
	if v, ok := envInt("PETREL_LEVEL_MULTIPLIER"); ok {
		o.LevelMultiplier = v
	}
	if v, ok := envInt("PETREL_LEVEL0_FILE_THRESHOLD"); ok {
		o.Level0FileThreshold = v
	}
	if v, ok := envInt64("PETREL_LEVEL1_MAX_SIZE"); ok {
		o.Level1MaxSize = v
	}
	return o
}

func envInt(name string) (int, bool) {
	v, err := strconv.Atoi(os.Getenv(name))
	if err != nil {
		return 0, false
	}
	return v, true
}

func envInt64(name string) (int64, bool) {
	v, err := strconv.ParseInt(os.Getenv(name), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envFloat(name string) (float64, bool) {
	v, err := strconv.ParseFloat(os.Getenv(name), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envBool(name string) (bool, bool) {
	v, err := strconv.ParseBool(os.Getenv(name))
	if err != nil {
		return false, false
	}
	return v, true
}
