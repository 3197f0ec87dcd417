/*
Package wix is a lightweight wrapper around the WiX v3 toolset.

Background and Theory Of Operations

WiX compiles xml source files into Windows Installer databases. The
steps used here:
  1. Render a product wxs (the caller owns the template)
  2. Stage every file to install under a source directory
  3. Use `heat` to harvest the staged files into a component group
  4. Use `candle` to compile the product, the harvest and any extra
     fragments into wixobj files
  5. Use `light` to link the wixobj files into an msi

The tools can run natively on windows, or under wine in a docker
image, which is how msi files get built on other hosts.

References

  1. http://wixtoolset.org/documentation/manual/v3/
*/
package wix
