package model

// credentialKeyList names variables that must never be stored or passed to
// the IaC tool. Provider credentials are injected via the subprocess
// environment instead.
var credentialKeyList = []string{
	"aws_access_key_id", "aws_secret_access_key",
	"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY",
	"gcp_project_id", "gcp_service_account_key",
	"GOOGLE_PROJECT", "GOOGLE_APPLICATION_CREDENTIALS",
	"azure_subscription_id", "azure_client_id", "azure_client_secret", "azure_tenant_id",
	"ARM_SUBSCRIPTION_ID", "ARM_CLIENT_ID", "ARM_CLIENT_SECRET", "ARM_TENANT_ID",
	"mongodb_public_key", "mongodb_private_key",
	"MONGODB_ATLAS_PUBLIC_KEY", "MONGODB_ATLAS_PRIVATE_KEY",
	"snowflake_account", "snowflake_user", "snowflake_password", "snowflake_warehouse",
	"SNOWFLAKE_ACCOUNT", "SNOWFLAKE_USER", "SNOWFLAKE_PASSWORD", "SNOWFLAKE_WAREHOUSE",
}

var credentialKeys = func() map[string]bool {
	m := make(map[string]bool, len(credentialKeyList))
	for _, k := range credentialKeyList {
		m[k] = true
	}
	return m
}()

// SanitizeVariables returns a copy of vars with credential-shaped keys
// removed. The result is never nil.
func SanitizeVariables(vars map[string]any) map[string]any {
	safe := make(map[string]any, len(vars))
	for k, v := range vars {
		if credentialKeys[k] {
			continue
		}
		safe[k] = v
	}
	return safe
}
