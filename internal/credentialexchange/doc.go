// credentialexchange
//
// Handles the federated trust exchange between an identity provider token and
// a short lived RDS IAM database auth token.
//
// Currently supports AWS STS AssumeRoleWithWebIdentity, the resulting temporary
// credentials are only used to sign the database auth token and are never stored.
//
// The Exchanger interface keeps the identity provider token format and the cloud
// trust exchange independent of each other.
package credentialexchange
