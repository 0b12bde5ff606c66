package kv

// Key namespaces. Every key written to the shared store starts with one of
// these prefixes so deployments can share a redis database with other tools.
const (
	PrefixSession     = "scalyclaw:session:"
	PrefixScheduled   = "scalyclaw:scheduled:"
	PrefixSecret      = "scalyclaw:secret:"
	PrefixChannelJobs = "scalyclaw:channel-jobs:"
	PrefixRate        = "scalyclaw:rate:"
	PrefixReply       = "adapter-reply:"
	PrefixActivity    = "scalyclaw:activity:"
	PrefixProactive   = "scalyclaw:proactive:"
	PrefixQueue       = "scalyclaw:queue:"
	PrefixWorker      = "scalyclaw:worker:"
	PrefixCancel      = "scalyclaw:cancel:"

	KeyConfig       = "scalyclaw:config"
	KeyCancelFlag   = "scalyclaw:cancel-all"
	KeyUpdateAwait  = "scalyclaw:update-await"
	ChannelReload   = "scalyclaw:config-reload"
	ChannelCancel   = "scalyclaw:queue-cancel"
	PrefixProgress  = "progress:"
	PrefixProgBuf   = "progress-buffer:"
	PrefixResponse  = "progress-response:"
	PatternProgress = "progress:*"
)
