/*
Package types defines the data model shared by the build node's components:
the Task received from the master, the EnvironmentConfig and lease records
the environment supervisor persists, the Artifact and BuildResult a build
produces, and the error kinds used for failure-mode dispatch.
*/
package types
