package config

import (
	"fmt"
	"os"
	"strings"
)

// Provider names accepted on templates.
const (
	ProviderAWS       = "AWS"
	ProviderGCP       = "GCP"
	ProviderAzure     = "AZURE"
	ProviderMongoDB   = "MONGODB"
	ProviderSnowflake = "SNOWFLAKE"
)

// Credentials holds server-side provider credentials. They are injected into
// IaC subprocesses via environment variables and never appear in variable
// files or operation records.
type Credentials struct {
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSRegion          string

	GCPProject            string
	GCPServiceAccountFile string

	AzureSubscriptionID string
	AzureClientID       string
	AzureClientSecret   string
	AzureTenantID       string

	MongoAtlasPublicKey  string
	MongoAtlasPrivateKey string

	SnowflakeAccount   string
	SnowflakeUser      string
	SnowflakePassword  string
	SnowflakeWarehouse string
}

// LoadCredentials reads provider credentials from the standard environment
// variables. Individual sets are validated when requested via ForProvider.
func LoadCredentials() Credentials {
	region := os.Getenv("AWS_DEFAULT_REGION")
	if region == "" {
		region = "us-east-1"
	}
	return Credentials{
		AWSAccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		AWSSecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		AWSRegion:          region,

		GCPProject:            os.Getenv("GOOGLE_PROJECT"),
		GCPServiceAccountFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),

		AzureSubscriptionID: os.Getenv("ARM_SUBSCRIPTION_ID"),
		AzureClientID:       os.Getenv("ARM_CLIENT_ID"),
		AzureClientSecret:   os.Getenv("ARM_CLIENT_SECRET"),
		AzureTenantID:       os.Getenv("ARM_TENANT_ID"),

		MongoAtlasPublicKey:  os.Getenv("MONGODB_ATLAS_PUBLIC_KEY"),
		MongoAtlasPrivateKey: os.Getenv("MONGODB_ATLAS_PRIVATE_KEY"),

		SnowflakeAccount:   os.Getenv("SNOWFLAKE_ACCOUNT"),
		SnowflakeUser:      os.Getenv("SNOWFLAKE_USER"),
		SnowflakePassword:  os.Getenv("SNOWFLAKE_PASSWORD"),
		SnowflakeWarehouse: os.Getenv("SNOWFLAKE_WAREHOUSE"),
	}
}

// StateStoreEnv returns the environment variables for the S3 state backend.
// The state store always uses the AWS set regardless of the target provider.
func (c Credentials) StateStoreEnv() (map[string]string, error) {
	if c.AWSAccessKeyID == "" || c.AWSSecretAccessKey == "" {
		return nil, fmt.Errorf("AWS credentials must be configured for state storage")
	}
	return map[string]string{
		"AWS_ACCESS_KEY_ID":     c.AWSAccessKeyID,
		"AWS_SECRET_ACCESS_KEY": c.AWSSecretAccessKey,
		"AWS_DEFAULT_REGION":    c.AWSRegion,
	}, nil
}

// ForProvider returns the environment variable set for the named provider.
// A missing required variable is an error; callers treat it as a
// configuration failure, not something to retry.
func (c Credentials) ForProvider(provider string) (map[string]string, error) {
	switch strings.ToUpper(provider) {
	case ProviderAWS, "":
		return c.StateStoreEnv()
	case ProviderGCP:
		if c.GCPProject == "" || c.GCPServiceAccountFile == "" {
			return nil, fmt.Errorf("GCP credentials not configured")
		}
		return map[string]string{
			"GOOGLE_PROJECT":                 c.GCPProject,
			"GOOGLE_APPLICATION_CREDENTIALS": c.GCPServiceAccountFile,
		}, nil
	case ProviderAzure:
		if c.AzureSubscriptionID == "" || c.AzureClientID == "" ||
			c.AzureClientSecret == "" || c.AzureTenantID == "" {
			return nil, fmt.Errorf("AZURE credentials not configured")
		}
		return map[string]string{
			"ARM_SUBSCRIPTION_ID": c.AzureSubscriptionID,
			"ARM_CLIENT_ID":       c.AzureClientID,
			"ARM_CLIENT_SECRET":   c.AzureClientSecret,
			"ARM_TENANT_ID":       c.AzureTenantID,
		}, nil
	case ProviderMongoDB:
		if c.MongoAtlasPublicKey == "" || c.MongoAtlasPrivateKey == "" {
			return nil, fmt.Errorf("MONGODB credentials not configured")
		}
		return map[string]string{
			"MONGODB_ATLAS_PUBLIC_KEY":  c.MongoAtlasPublicKey,
			"MONGODB_ATLAS_PRIVATE_KEY": c.MongoAtlasPrivateKey,
		}, nil
	case ProviderSnowflake:
		if c.SnowflakeAccount == "" || c.SnowflakeUser == "" ||
			c.SnowflakePassword == "" || c.SnowflakeWarehouse == "" {
			return nil, fmt.Errorf("SNOWFLAKE credentials not configured")
		}
		return map[string]string{
			"SNOWFLAKE_ACCOUNT":   c.SnowflakeAccount,
			"SNOWFLAKE_USER":      c.SnowflakeUser,
			"SNOWFLAKE_PASSWORD":  c.SnowflakePassword,
			"SNOWFLAKE_WAREHOUSE": c.SnowflakeWarehouse,
		}, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}
