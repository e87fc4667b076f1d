/*
Copyright 2011 The Perkeep Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
The fat32mount tool mounts a fat32 image file as a FUSE filesystem.

Usage:

	fat32mount [opts] <mountpoint> <image-file>

It is a thin demo binary: the cluster engine lives in pkg/fat32 and its
supporting packages, none of which import bazil.org/fuse. This command
only adapts that facade's Search/Create/Delete surface to the fs.Node/
fs.Handle interfaces bazil.org/fuse/fs expects.
*/
package main
