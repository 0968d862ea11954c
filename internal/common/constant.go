package common

// AuthorizationHeaderName carries the bearer token on protected requests.
const AuthorizationHeaderName = "Authorization"

// BearerScheme is the only accepted authorization scheme.
const BearerScheme = "Bearer"

// TwoFactorDisabledSecret is stored in place of a TOTP secret while
// two-factor authentication is off.
const TwoFactorDisabledSecret = "0"
