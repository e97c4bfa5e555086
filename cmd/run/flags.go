package run

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/feynbound/feynbound/cmd/util"
)

// bindRunFlagsFunc binds the cobra cmd flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags.
func bindRunFlagsFunc(flags *pflag.FlagSet) func(*cobra.Command, []string) {
	return func(command *cobra.Command, args []string) {
		util.MustBindPFlag("epsOrder", flags.Lookup("eps-order"))
		util.MustBindEnv("epsOrder", "FEYNBOUND_EPS_ORDER", "FEYNBOUND_EPSORDER")

		util.MustBindPFlag("kira.dir", flags.Lookup("kira-dir"))
		util.MustBindEnv("kira.dir", "FEYNBOUND_KIRA_DIR")

		util.MustBindPFlag("kira.file", flags.Lookup("kira-file"))
		util.MustBindEnv("kira.file", "FEYNBOUND_KIRA_FILE")

		util.MustBindPFlag("scheduler.capacity", flags.Lookup("scheduler-capacity"))
		util.MustBindEnv("scheduler.capacity", "FEYNBOUND_SCHEDULER_CAPACITY")

		util.MustBindPFlag("scheduler.runner", flags.Lookup("scheduler-runner"))
		util.MustBindEnv("scheduler.runner", "FEYNBOUND_SCHEDULER_RUNNER")

		util.MustBindPFlag("scheduler.taskTimeout", flags.Lookup("scheduler-task-timeout"))
		util.MustBindEnv("scheduler.taskTimeout", "FEYNBOUND_SCHEDULER_TASK_TIMEOUT", "FEYNBOUND_SCHEDULER_TASKTIMEOUT")

		util.MustBindPFlag("scheduler.maxAttempts", flags.Lookup("scheduler-max-attempts"))
		util.MustBindEnv("scheduler.maxAttempts", "FEYNBOUND_SCHEDULER_MAX_ATTEMPTS", "FEYNBOUND_SCHEDULER_MAXATTEMPTS")

		util.MustBindPFlag("cache.backend", flags.Lookup("cache-backend"))
		util.MustBindEnv("cache.backend", "FEYNBOUND_CACHE_BACKEND")

		util.MustBindPFlag("cache.dir", flags.Lookup("cache-dir"))
		util.MustBindEnv("cache.dir", "FEYNBOUND_CACHE_DIR")

		util.MustBindPFlag("cache.memoSize", flags.Lookup("cache-memo-size"))
		util.MustBindEnv("cache.memoSize", "FEYNBOUND_CACHE_MEMO_SIZE", "FEYNBOUND_CACHE_MEMOSIZE")

		util.MustBindPFlag("sdpa.binary", flags.Lookup("sdpa-binary"))
		util.MustBindEnv("sdpa.binary", "FEYNBOUND_SDPA_BINARY")

		util.MustBindPFlag("sdpa.workDir", flags.Lookup("sdpa-work-dir"))
		util.MustBindEnv("sdpa.workDir", "FEYNBOUND_SDPA_WORK_DIR", "FEYNBOUND_SDPA_WORKDIR")

		util.MustBindPFlag("dump.raw", flags.Lookup("dump-raw"))
		util.MustBindEnv("dump.raw", "FEYNBOUND_DUMP_RAW")

		util.MustBindPFlag("dump.expanded", flags.Lookup("dump-expanded"))
		util.MustBindEnv("dump.expanded", "FEYNBOUND_DUMP_EXPANDED")

		util.MustBindPFlag("dump.symbolicSDP", flags.Lookup("dump-symbolic-sdp"))
		util.MustBindEnv("dump.symbolicSDP", "FEYNBOUND_DUMP_SYMBOLIC_SDP", "FEYNBOUND_DUMP_SYMBOLICSDP")

		util.MustBindPFlag("dump.dir", flags.Lookup("dump-dir"))
		util.MustBindEnv("dump.dir", "FEYNBOUND_DUMP_DIR")

		util.MustBindPFlag("checkEuclidean.enabled", flags.Lookup("check-euclidean"))
		util.MustBindEnv("checkEuclidean.enabled", "FEYNBOUND_CHECK_EUCLIDEAN_ENABLED", "FEYNBOUND_CHECKEUCLIDEAN_ENABLED")

		util.MustBindPFlag("checkEuclidean.seed", flags.Lookup("check-euclidean-seed"))
		util.MustBindEnv("checkEuclidean.seed", "FEYNBOUND_CHECK_EUCLIDEAN_SEED", "FEYNBOUND_CHECKEUCLIDEAN_SEED")

		util.MustBindPFlag("checkEuclidean.trials", flags.Lookup("check-euclidean-trials"))
		util.MustBindEnv("checkEuclidean.trials", "FEYNBOUND_CHECK_EUCLIDEAN_TRIALS", "FEYNBOUND_CHECKEUCLIDEAN_TRIALS")

		util.MustBindPFlag("log.format", flags.Lookup("log-format"))
		util.MustBindEnv("log.format", "FEYNBOUND_LOG_FORMAT")

		util.MustBindPFlag("log.level", flags.Lookup("log-level"))
		util.MustBindEnv("log.level", "FEYNBOUND_LOG_LEVEL")

		util.MustBindPFlag("trace.enabled", flags.Lookup("trace-enabled"))
		util.MustBindEnv("trace.enabled", "FEYNBOUND_TRACE_ENABLED")

		util.MustBindPFlag("trace.otlp.endpoint", flags.Lookup("trace-otlp-endpoint"))
		util.MustBindEnv("trace.otlp.endpoint", "FEYNBOUND_TRACE_OTLP_ENDPOINT")

		util.MustBindPFlag("trace.sampleRatio", flags.Lookup("trace-sample-ratio"))
		util.MustBindEnv("trace.sampleRatio", "FEYNBOUND_TRACE_SAMPLE_RATIO", "FEYNBOUND_TRACE_SAMPLERATIO")
	}
}
