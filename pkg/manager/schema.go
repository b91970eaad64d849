package manager

// ConfigSchema defines the JSON schema for the configuration file.
// Secrets are optional here because they may be supplied through the environment.
const ConfigSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"title": "acme-keyvault-renewer configuration",
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"production": {
			"type": "boolean",
			"description": "Use the Let's Encrypt production directory"
		},
		"renew_before_days": {
			"type": "integer",
			"minimum": 1,
			"description": "Renew certificates expiring within this many days"
		},
		"zone_concurrency": {
			"type": "integer",
			"minimum": 1,
			"description": "Number of zones processed at the same time"
		},
		"archive_dir": {
			"type": "string",
			"description": "Directory where issued bundles are archived before import"
		},
		"acme": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"directory_url": {"type": "string", "format": "uri"},
				"key_type": {
					"type": "string",
					"enum": ["rsa2048", "rsa3072", "rsa4096", "ec256", "ec384"],
					"description": "Key type of issued certificates"
				},
				"data_dir": {"type": "string"},
				"preferred_chain": {"type": "string"},
				"challenge_interval": {"type": "string", "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))+$"},
				"challenge_max_attempts": {"type": "integer", "minimum": 1},
				"challenge_timeout": {"type": "string", "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))+$"},
				"download_attempts": {"type": "integer", "minimum": 1},
				"download_delay": {"type": "string", "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))+$"},
				"http_timeout": {"type": "string", "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))+$"}
			}
		},
		"cloudflare": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"api_token": {"type": "string"},
				"api_key": {"type": "string"},
				"email": {"type": "string"},
				"record_ttl": {"type": "integer", "minimum": 1},
				"cleanup_records": {"type": "boolean"},
				"propagation_check": {"type": "boolean"},
				"nameservers": {"type": "array", "items": {"type": "string"}},
				"propagation_timeout": {"type": "string", "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))+$"}
			}
		},
		"key_vault": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"url": {"type": "string", "format": "uri"},
				"managed_identity_id": {"type": "string"},
				"export_password": {"type": "string"},
				"issuer_tag": {"type": "string"}
			}
		},
		"cert_info": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"country": {"type": "string", "maxLength": 2},
				"state": {"type": "string"},
				"locality": {"type": "string"},
				"organization": {"type": "string"},
				"organization_unit": {"type": "string"}
			}
		},
		"metrics": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"textfile": {"type": "string"},
				"pushgateway_url": {"type": "string", "format": "uri"},
				"job": {"type": "string"}
			}
		},
		"zones": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["zone_id", "email", "domains"],
				"additionalProperties": false,
				"properties": {
					"zone_id": {"type": "string", "minLength": 1},
					"email": {"type": "string", "format": "email"},
					"domains": {
						"type": "array",
						"items": {"type": "string"},
						"minItems": 1
					}
				}
			}
		}
	}
}`
