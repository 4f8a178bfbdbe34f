package main

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cityassist-agent/handler"
	"cityassist-agent/internal/integrations/gateway"
	"cityassist-agent/internal/integrations/openai"
	"cityassist-agent/internal/integrations/paramstore"
	"cityassist-agent/internal/repository"
	"cityassist-agent/internal/tools"
	"cityassist-agent/internal/usecase"
)

// gatewayConfig holds the tool gateway endpoints and client credentials,
// read from env or from the composite SSM secret.
type gatewayConfig struct {
	GatewayURL   string `json:"gateway_url"`
	TokenURL     string `json:"token_url"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

func main() {
	ctx := context.Background()
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	maxContextItems := envInt("MAX_CONTEXT_ITEMS", 20)
	temperature := envFloat("MODEL_TEMPERATURE", 0.0)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load AWS config")
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create SSM client")
	}
	dynamoClient := awsdynamodb.NewFromConfig(cfg)
	stateClient, err := repository.New(dynamoClient, stateTable)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create state client")
	}

	gwCfg, err := loadGatewayConfig(ctx, ssmClient, paramPrefix)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load gateway config")
	}
	tokenSource, err := gateway.NewTokenSource(gwCfg.TokenURL, gwCfg.ClientID, gwCfg.ClientSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create token source")
	}
	gatewayClient, err := gateway.NewClient(gwCfg.GatewayURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create gateway client")
	}

	registry, err := tools.NewRegistry(tokenSource, gatewayClient)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create tool registry")
	}

	modelClient, err := openai.NewClient(ssmClient, paramPrefix)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create model client")
	}
	modelID, err := resolveModelID(ctx, ssmClient, paramPrefix)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to resolve model id")
	}

	// ---- Handler ----
	assistService, err := usecase.NewAssistService(modelClient, registry, stateClient, modelID, temperature, registry.Definitions(), maxContextItems)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create assist service")
	}

	h, err := handler.NewHandler(assistService)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create handler")
	}

	lambda.Start(h.Handle)
}

// loadGatewayConfig prefers the environment and falls back to the composite
// JSON secret at <prefix>/gateway.
func loadGatewayConfig(ctx context.Context, ps *paramstore.Client, paramPrefix string) (gatewayConfig, error) {
	out := gatewayConfig{
		GatewayURL:   os.Getenv("GATEWAY_URL"),
		TokenURL:     os.Getenv("TOKEN_URL"),
		ClientID:     os.Getenv("CLIENT_ID"),
		ClientSecret: os.Getenv("CLIENT_SECRET"),
	}
	if out.GatewayURL == "" || out.TokenURL == "" || out.ClientID == "" || out.ClientSecret == "" {
		name := strings.TrimRight(paramPrefix, "/") + "/gateway"
		if err := ps.GetJSONParameter(ctx, name, &out); err != nil {
			return gatewayConfig{}, err
		}
		log.Info().Str("param", name).Msg("loaded gateway config from parameter store")
	}
	return out, validateGatewayConfig(out)
}

func validateGatewayConfig(cfg gatewayConfig) error {
	switch {
	case cfg.GatewayURL == "":
		return errMissing("gateway_url")
	case cfg.TokenURL == "":
		return errMissing("token_url")
	case cfg.ClientID == "":
		return errMissing("client_id")
	case cfg.ClientSecret == "":
		return errMissing("client_secret")
	case !strings.HasSuffix(cfg.TokenURL, "/oauth2/token"):
		return errInvalid("token_url must end with /oauth2/token")
	}
	return nil
}

func resolveModelID(ctx context.Context, ps *paramstore.Client, paramPrefix string) (string, error) {
	if v := os.Getenv("MODEL_ID"); v != "" {
		return v, nil
	}
	return ps.GetParameter(ctx, strings.TrimRight(paramPrefix, "/")+"/config/model_id")
}

type configError string

func (e configError) Error() string { return string(e) }

func errMissing(key string) error { return configError("gateway config missing " + key) }
func errInvalid(msg string) error { return configError("gateway config invalid: " + msg) }

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatal().Str("key", key).Msg("required environment variable is not set")
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
