package config

const (
	EnvPrefix = "SELLFORGE"

	AppEnvDev  = "development"
	AppEnvProd = "production"

	EnvAppEnv   = "SELLFORGE_APP_ENV"
	EnvPort     = "SELLFORGE_APP_PORT"
	EnvDBDSN    = "SELLFORGE_DB_DSN"
	EnvDBHost   = "SELLFORGE_DB_HOST"
	EnvDBUser   = "SELLFORGE_DB_USER"
	EnvDBName   = "SELLFORGE_DB_NAME"
	EnvRedisURL = "SELLFORGE_REDIS_URL"

	EnvGCPProjectID         = "SELLFORGE_GCP_PROJECT_ID"
	EnvPubSubIPNTopic       = "SELLFORGE_PUBSUB_IPN_TOPIC"
	EnvPubSubIPNSub         = "SELLFORGE_PUBSUB_IPN_SUBSCRIPTION"
	EnvPubSubAbuseTopic     = "SELLFORGE_PUBSUB_ABUSE_TOPIC"
	EnvPubSubAbuseSub       = "SELLFORGE_PUBSUB_ABUSE_SUBSCRIPTION"
	EnvStripeSigningSecret  = "SELLFORGE_STRIPE_SIGNING_SECRET"
	EnvPaddlePublicKey      = "SELLFORGE_PADDLE_PUBLIC_KEY"
	EnvPayPalClientID       = "SELLFORGE_PAYPAL_CLIENT_ID"
	EnvPayPalClientSecret   = "SELLFORGE_PAYPAL_CLIENT_SECRET"
	EnvSendInBlueAPIKey     = "SELLFORGE_SENDINBLUE_API_KEY"
	EnvActiveCampaignAPIKey = "SELLFORGE_ACTIVECAMPAIGN_API_KEY"
	EnvActiveCampaignURL    = "SELLFORGE_ACTIVECAMPAIGN_BASE_URL"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
